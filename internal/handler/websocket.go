package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
)

// WebSocket 連線參數
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// StatsSource 提供目前的統計資訊
type StatsSource interface {
	Stats(ctx context.Context) (phrase.Stats, error)
}

// StatsHub 即時統計推送
//
// 推送時機：
//   - 連線建立時立即推送一次
//   - 服務狀態改變（StatsChanged）時推送，短時間內的多次變更合併成一次
//   - 每個 interval 推送一次，讓閒置的管理頁面也保持最新
//
// 只推不收：客戶端送來的訊息一律丟棄，讀取只用於偵測斷線與處理 pong。
type StatsHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	interval time.Duration

	mu      sync.RWMutex
	clients map[*statsClient]struct{}
	source  StatsSource

	changed chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

type statsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *statsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// NewStatsHub 創建推送中心；呼叫 Start 後才開始推送
func NewStatsHub(logger *slog.Logger, interval time.Duration) *StatsHub {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatsHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			// 管理介面可能由不同來源提供（開發時的前端 dev server）
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		interval: interval,
		clients:  make(map[*statsClient]struct{}),
		changed:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start 設定資料來源並啟動推送迴圈
func (hub *StatsHub) Start(source StatsSource) {
	hub.mu.Lock()
	hub.source = source
	hub.mu.Unlock()

	hub.wg.Add(1)
	go hub.loop()
}

// StatsChanged 實作 phrase.Observer（非阻塞）
func (hub *StatsHub) StatsChanged() {
	select {
	case hub.changed <- struct{}{}:
	default:
	}
}

// Clients 目前的連線數
func (hub *StatsHub) Clients() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

func (hub *StatsHub) loop() {
	defer hub.wg.Done()

	ticker := time.NewTicker(hub.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hub.stopCh:
			return
		case <-hub.changed:
			hub.broadcastStats()
		case <-ticker.C:
			hub.broadcastStats()
		}
	}
}

// snapshot 取得目前統計的 JSON
func (hub *StatsHub) snapshot(ctx context.Context) ([]byte, bool) {
	hub.mu.RLock()
	source := hub.source
	hub.mu.RUnlock()
	if source == nil {
		return nil, false
	}

	stats, err := source.Stats(ctx)
	if err != nil {
		hub.logger.Warn("load stats for websocket failed", "error", err)
		return nil, false
	}

	data, err := json.Marshal(stats)
	if err != nil {
		hub.logger.Error("encode stats failed", "error", err)
		return nil, false
	}
	return data, true
}

func (hub *StatsHub) broadcastStats() {
	if hub.Clients() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, ok := hub.snapshot(ctx)
	if !ok {
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for c := range hub.clients {
		select {
		case c.send <- data:
		default:
			hub.logger.Warn("websocket send buffer full, dropping stats update")
		}
	}
}

// ServeWS 升級連線並開始推送
func (hub *StatsHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已回應錯誤狀態碼
		hub.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &statsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	if data, ok := hub.snapshot(r.Context()); ok {
		client.send <- data
	}

	hub.mu.Lock()
	hub.clients[client] = struct{}{}
	hub.mu.Unlock()

	go hub.writePump(client)
	go hub.readPump(client)
}

func (hub *StatsHub) unregister(c *statsClient) {
	hub.mu.Lock()
	if _, ok := hub.clients[c]; ok {
		delete(hub.clients, c)
		c.close()
	}
	hub.mu.Unlock()
}

func (hub *StatsHub) readPump(c *statsClient) {
	defer func() {
		hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (hub *StatsHub) writePump(c *statsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Stop 停止推送並關閉所有連線
func (hub *StatsHub) Stop() {
	hub.once.Do(func() {
		close(hub.stopCh)
	})
	hub.wg.Wait()

	hub.mu.Lock()
	for c := range hub.clients {
		c.close()
		delete(hub.clients, c)
	}
	hub.mu.Unlock()
}
