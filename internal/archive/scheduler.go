// Package archive 每日歸檔排程器
//
// 每天午夜（設定的時區）把前一天的請求數寫入 daily_request_history，
// 並清理超過保留天數的紀錄。
//
// 排程器不會重置即時計數器：歸零仍由換日後的第一個請求在交易內完成。
// 排程器只讀取輪替狀態，若 lastResetDate 早於今天，代表那天的計數已經定案。
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
)

// Store 排程器需要的存儲操作（phrase.Store 的子集）
type Store interface {
	State(ctx context.Context) (phrase.RotationState, error)
	ArchiveDay(ctx context.Context, day time.Time, count int64) error
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// DefaultRetentionDays 歸檔保留天數
const DefaultRetentionDays = 30

// Result 單次執行的結果
type Result struct {
	Archived bool
	Day      time.Time
	Count    int64
	Pruned   int64
}

// Scheduler 每日歸檔排程器
type Scheduler struct {
	store         Store
	loc           *time.Location
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger

	// runTimeout 單次歸檔的等待上限
	runTimeout time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option 排程器設定選項
type Option func(*Scheduler)

// WithLocation 午夜所在的時區
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithRetentionDays 歸檔保留天數
func WithRetentionDays(days int) Option {
	return func(s *Scheduler) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// WithClock 替換時間來源
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler 創建排程器
func NewScheduler(store Store, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:         store,
		loc:           time.UTC,
		retentionDays: DefaultRetentionDays,
		now:           time.Now,
		logger:        logger,
		runTimeout:    time.Minute,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 啟動排程器
//
// 啟動時先補做一次（重啟期間錯過的午夜），之後每到午夜執行。
func (s *Scheduler) Start() {
	go s.run()
}

// Stop 停止排程器並等待目前的執行結束
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

// NextRun 下一次執行時間（now 之後的第一個午夜）
func (s *Scheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, s.loc)
}

func (s *Scheduler) run() {
	defer close(s.done)

	s.runAndLog()

	next := s.NextRun(s.now())
	s.logger.Info("archive scheduler started",
		"next_run", next.Format("2006-01-02 15:04:05 MST"),
		"retention_days", s.retentionDays,
	)

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.runAndLog()

			// 每次重新計算，夏令時間切換的日子不是 24 小時
			next = s.NextRun(s.now())
			timer.Reset(time.Until(next))

		case <-s.stop:
			s.logger.Info("archive scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) runAndLog() {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("daily archive failed", "error", err)
		return
	}

	s.logger.Info("daily archive completed",
		"archived", result.Archived,
		"day", result.Day.Format(time.DateOnly),
		"count", result.Count,
		"pruned", result.Pruned,
		"duration", time.Since(start),
	)
}

// RunOnce 執行一次歸檔與清理
//
//  1. 讀取輪替狀態；lastResetDate 早於今天 → upsert (lastResetDate, dailyRequestCount)
//  2. 刪除早於 today − retentionDays 的紀錄
//
// upsert 以日期為鍵，重複執行結果相同。
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	today := phrase.DateOf(s.now(), s.loc)

	state, err := s.store.State(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load rotation state: %w", err)
	}

	var result Result
	if !state.LastResetDate.IsZero() && state.LastResetDate.Before(today) {
		if err := s.store.ArchiveDay(ctx, state.LastResetDate, state.DailyRequestCount); err != nil {
			return Result{}, fmt.Errorf("archive %s: %w", state.LastResetDate.Format(time.DateOnly), err)
		}
		result.Archived = true
		result.Day = state.LastResetDate
		result.Count = state.DailyRequestCount
	}

	pruned, err := s.store.PruneHistory(ctx, today.AddDate(0, 0, -s.retentionDays))
	if err != nil {
		return result, fmt.Errorf("prune history: %w", err)
	}
	result.Pruned = pruned

	return result, nil
}
