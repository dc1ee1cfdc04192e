// Package events 將短句服務的領域事件發布到 NATS JetStream
//
// 主題設計：
//   - <prefix>.served   取用一則短句
//   - <prefix>.added    新增（單筆或批次，count 為筆數）
//   - <prefix>.deleted  刪除（單筆或全部，count 為筆數）
//
// Stream 以 <prefix>.> 接收所有事件，保留 MaxAge。
// Publish 本身等待 PubAck；phrase.Service 在背景佇列中呼叫它，請求不等待發布結果。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
)

// Config NATS 發布者設定
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
	// MemoryStorage 使用記憶體儲存（測試用），預設為檔案儲存
	MemoryStorage bool
}

// Payload 事件的 JSON 格式
type Payload struct {
	Type     string    `json:"type"`
	PhraseID string    `json:"phraseId,omitempty"`
	Count    int64     `json:"count,omitempty"`
	At       time.Time `json:"at"`
}

// Subject 事件類型對應的主題
func Subject(prefix, eventType string) string {
	return prefix + "." + eventType
}

// Encode 將事件轉為 JSON
func Encode(event phrase.Event) ([]byte, error) {
	return json.Marshal(Payload{
		Type:     event.Type,
		PhraseID: event.PhraseID,
		Count:    event.Count,
		At:       event.At.UTC(),
	})
}

// NATSPublisher 實作 phrase.Publisher
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS 並確保 Stream 存在
//
// 連線選項：
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait(1s)：重連間隔
//   - PingInterval(20s)：心跳檢測
func NewNATSPublisher(cfg Config, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("phrase-of-the-day"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	p := &NATSPublisher{conn: conn, js: js, cfg: cfg, logger: logger}
	if err := p.initStream(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init stream: %w", err)
	}

	return p, nil
}

// initStream 冪等地建立或更新 Stream
func (p *NATSPublisher) initStream() error {
	storage := nats.FileStorage
	if p.cfg.MemoryStorage {
		storage = nats.MemoryStorage
	}

	cfg := &nats.StreamConfig{
		Name:     p.cfg.Stream,
		Subjects: []string{p.cfg.SubjectPrefix + ".>"},
		Storage:  storage,
		MaxAge:   p.cfg.MaxAge,
		Replicas: 1,
	}

	_, err := p.js.StreamInfo(p.cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := p.js.AddStream(cfg); err != nil {
			return fmt.Errorf("add stream %s: %w", cfg.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info %s: %w", cfg.Name, err)
	}

	if _, err := p.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Publish 同步發布事件並等待 PubAck
func (p *NATSPublisher) Publish(ctx context.Context, event phrase.Event) error {
	data, err := Encode(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	subject := Subject(p.cfg.SubjectPrefix, event.Type)
	ack, err := p.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.DebugContext(ctx, "event published",
		slog.String("subject", subject),
		slog.Uint64("seq", ack.Sequence),
	)
	return nil
}

// Ping 就緒檢查
func (p *NATSPublisher) Ping(context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats status %s", p.conn.Status())
	}
	return nil
}

// Close 送出緩衝中的訊息後關閉連線
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// NopPublisher 不做任何事的發布者（未設定 NATS 時使用）
type NopPublisher struct{}

// Publish 實作 phrase.Publisher
func (NopPublisher) Publish(context.Context, phrase.Event) error {
	return nil
}
