// Package phrase 實現每日短句服務的核心業務邏輯
//
// 系統設計要點：
//
//  1. 輪替策略：以位置取模，而非記錄「上一筆 ID」
//     - 為什麼？上一筆被刪除時 ID 指標會失效；取模在增刪後自動修正
//
//  2. 限流策略：日曆日計數器（非令牌桶、非滑動視窗）
//     - 每個日曆日只有一次歸零，於換日後的第一個請求執行
//
//  3. 一致性策略：讀取、修改、寫入在同一個交易內完成
//     - 併發請求不會拿到相同位置，也不會遺失計數
//
// 所有傳輸層（目前只有 HTTP）共用同一個 Service。
package phrase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-phrase-of-the-day/pkg/logger"
)

// DefaultDailyLimit 每日最多提供的短句數
const DefaultDailyLimit int64 = 100

// DefaultEventBuffer 等待發布的事件上限，滿了就丟棄並記錄
const DefaultEventBuffer = 256

// Service 每日短句服務
type Service struct {
	store      Store
	dailyLimit int64
	loc        *time.Location
	now        func() time.Time
	publisher  Publisher
	observers  []Observer
	logger     *slog.Logger

	// publishTimeout 單次事件發布的等待上限
	publishTimeout time.Duration

	// 事件由背景 goroutine 依序發布，請求路徑只負責入列
	eventBuffer int
	events      chan queuedEvent
	eventsDone  chan struct{}
	eventsMu    sync.RWMutex
	closed      bool
	closeOnce   sync.Once
}

// queuedEvent 入列的事件，ctx 保留 request_id 供日誌使用
type queuedEvent struct {
	ctx   context.Context
	event Event
}

// Option 服務設定選項
type Option func(*Service)

// WithDailyLimit 設定每日上限
func WithDailyLimit(limit int64) Option {
	return func(s *Service) {
		if limit > 0 {
			s.dailyLimit = limit
		}
	}
}

// WithLocation 設定判斷「今天」所用的時區
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock 替換時間來源（測試跨日用）
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPublisher 設定事件發布者
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithEventBuffer 設定事件佇列容量
func WithEventBuffer(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// WithObserver 加入狀態變更觀察者
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithLogger 設定日誌記錄器
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 創建服務實例
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:          store,
		dailyLimit:     DefaultDailyLimit,
		loc:            time.UTC,
		now:            time.Now,
		logger:         logger.Default(),
		publishTimeout: 2 * time.Second,
		eventBuffer:    DefaultEventBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.publisher != nil {
		s.events = make(chan queuedEvent, s.eventBuffer)
		s.eventsDone = make(chan struct{})
		go s.dispatch()
	}
	return s
}

// Close 停止接收事件，並等待佇列中的事件發布完畢
//
// ctx 到期時直接返回，剩下的事件仍由背景 goroutine 送完。
// 之後的狀態變更照常執行，只是不再發布事件。
func (s *Service) Close(ctx context.Context) error {
	if s.events == nil {
		return nil
	}

	s.closeOnce.Do(func() {
		s.eventsMu.Lock()
		s.closed = true
		close(s.events)
		s.eventsMu.Unlock()
	})

	select {
	case <-s.eventsDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain events: %w", ctx.Err())
	}
}

// DailyLimit 每日上限
func (s *Service) DailyLimit() int64 {
	return s.dailyLimit
}

// Location 判斷日期用的時區
func (s *Service) Location() *time.Location {
	return s.loc
}

// Today 目前的日曆日期
func (s *Service) Today() time.Time {
	return DateOf(s.now(), s.loc)
}

// Init 確保輪替狀態存在（啟動時呼叫一次）
func (s *Service) Init(ctx context.Context) error {
	if err := s.store.EnsureState(ctx, s.Today()); err != nil {
		return fmt.Errorf("ensure rotation state: %w", err)
	}
	return nil
}

// Next 取得下一則短句
//
// 核心流程（整段在同一個交易內）：
//  1. 讀取並鎖定輪替狀態
//  2. 若最後重置日期不是今天 → 計數歸零、日期改為今天
//  3. 今日計數已達上限 → ErrRateLimitExceeded（剩餘 0）
//  4. 短句總數 N 為 0 → ErrNoPhrasesAvailable（指標不變）
//  5. idx = CurrentIndex mod N，依輪替順序取第 idx 筆
//     取不到 → ErrPhraseNotFound
//  6. CurrentIndex = (idx + 1) mod N
//  7. 計數 +1
//  8. 回傳內容與剩餘次數 = 上限 − 新計數
//
// 步驟 3~5 的失敗仍會提交步驟 2 的重置；只有存儲錯誤才回滾。
func (s *Service) Next(ctx context.Context) (Served, error) {
	start := s.now()
	today := DateOf(start, s.loc)

	served := Served{Limit: s.dailyLimit}
	var outcome error

	err := s.store.Rotate(ctx, func(ctx context.Context, tx StateTx) error {
		state, err := tx.LoadState(ctx)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}

		if !SameDate(state.LastResetDate, today) {
			state.DailyRequestCount = 0
			state.LastResetDate = today
			if err := tx.SaveState(ctx, state); err != nil {
				return fmt.Errorf("reset daily count: %w", err)
			}
		}

		if state.DailyRequestCount >= s.dailyLimit {
			outcome = ErrRateLimitExceeded
			return nil
		}

		total, err := tx.Count(ctx)
		if err != nil {
			return fmt.Errorf("count phrases: %w", err)
		}
		if total == 0 {
			outcome = ErrNoPhrasesAvailable
			return nil
		}

		idx := mod(state.CurrentIndex, total)
		p, ok, err := tx.PhraseAt(ctx, idx)
		if err != nil {
			return fmt.Errorf("phrase at %d: %w", idx, err)
		}
		if !ok {
			outcome = ErrPhraseNotFound.WithDetails(fmt.Sprintf("index %d of %d", idx, total))
			return nil
		}

		state.CurrentIndex = (idx + 1) % total
		state.DailyRequestCount++
		if err := tx.SaveState(ctx, state); err != nil {
			return fmt.Errorf("advance rotation: %w", err)
		}

		served.PhraseID = p.ID
		served.Content = p.Content
		served.Remaining = s.dailyLimit - state.DailyRequestCount
		return nil
	})
	if err != nil {
		return Served{Limit: s.dailyLimit}, err
	}
	if outcome != nil {
		return served, outcome
	}

	logger.Metrics(ctx, s.logger, "phrase.next", s.now().Sub(start),
		slog.String("phrase_id", served.PhraseID),
		slog.Int64("remaining", served.Remaining),
	)

	s.publish(ctx, Event{Type: EventServed, PhraseID: served.PhraseID, Count: 1, At: start})
	s.notify()

	return served, nil
}

// mod 非負取模
func mod(a, n int64) int64 {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}

// publish 將事件放入佇列，不等待發布結果
//
// 佇列已滿時丟棄事件：NATS 變慢不能拖慢取用與管理操作。
func (s *Service) publish(ctx context.Context, event Event) {
	if s.events == nil {
		return
	}

	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.events <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		s.logger.WarnContext(ctx, "event buffer full, dropping event",
			slog.String("type", event.Type),
			slog.Int("buffer", cap(s.events)),
		)
	}
}

// dispatch 依入列順序逐一發布；失敗只記錄日誌
func (s *Service) dispatch() {
	defer close(s.eventsDone)

	for q := range s.events {
		ctx, cancel := context.WithTimeout(q.ctx, s.publishTimeout)
		if err := s.publisher.Publish(ctx, q.event); err != nil {
			s.logger.WarnContext(ctx, "publish event failed",
				slog.String("type", q.event.Type),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

func (s *Service) notify() {
	for _, o := range s.observers {
		o.StatsChanged()
	}
}
