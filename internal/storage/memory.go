// Package storage 提供 phrase.Store 的實作
//
// 實作：
//   - Memory：互斥鎖保護的記憶體存儲（單元測試、本機開發）
//   - Postgres：pgx 連線池，輪替狀態以 SELECT ... FOR UPDATE 鎖定
//   - CachedStore：Redis Cache-Aside 裝飾器，只快取短句清單
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
)

// Memory 記憶體存儲
//
// 單一互斥鎖：Rotate 持鎖執行整段 fn，等同於可序列化的交易。
type Memory struct {
	mu      sync.Mutex
	phrases []phrase.Phrase
	state   *phrase.RotationState
	history map[time.Time]phrase.DailyRecord
	now     func() time.Time
}

// NewMemory 創建記憶體存儲
func NewMemory() *Memory {
	return &Memory{
		history: make(map[time.Time]phrase.DailyRecord),
		now:     time.Now,
	}
}

// EnsureState 建立輪替狀態（已存在則不變）
func (m *Memory) EnsureState(ctx context.Context, today time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		m.state = &phrase.RotationState{LastResetDate: today}
	}
	return nil
}

// Rotate 持鎖執行 fn；fn 回傳錯誤時還原狀態
func (m *Memory) Rotate(ctx context.Context, fn func(ctx context.Context, tx phrase.StateTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return errStateMissing
	}

	snapshot := *m.state
	if err := fn(ctx, memoryTx{m}); err != nil {
		*m.state = snapshot
		return err
	}
	return nil
}

// memoryTx 在 Memory 持鎖期間使用，不再加鎖
type memoryTx struct {
	m *Memory
}

func (tx memoryTx) LoadState(ctx context.Context) (phrase.RotationState, error) {
	return *tx.m.state, nil
}

func (tx memoryTx) SaveState(ctx context.Context, state phrase.RotationState) error {
	*tx.m.state = state
	return nil
}

func (tx memoryTx) Count(ctx context.Context) (int64, error) {
	return int64(len(tx.m.phrases)), nil
}

func (tx memoryTx) PhraseAt(ctx context.Context, index int64) (phrase.Phrase, bool, error) {
	if index < 0 || index >= int64(len(tx.m.phrases)) {
		return phrase.Phrase{}, false, nil
	}
	return tx.m.phrases[index], true, nil
}

// List 依輪替順序回傳副本
func (m *Memory) List(ctx context.Context) ([]phrase.Phrase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]phrase.Phrase, len(m.phrases))
	copy(out, m.phrases)
	return out, nil
}

// Insert 新增一批短句
//
// 以穩定排序維持 (CreatedAt, 插入順序)：呼叫端傳入較舊的時間戳記時
// 仍會排在正確位置，與 PostgreSQL 的 ORDER BY created_at, seq 一致。
func (m *Memory) Insert(ctx context.Context, phrases []phrase.Phrase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.phrases = append(m.phrases, phrases...)
	sort.SliceStable(m.phrases, func(i, j int) bool {
		return m.phrases[i].CreatedAt.Before(m.phrases[j].CreatedAt)
	})
	return nil
}

// DeleteAll 刪除全部短句並將指標歸零
func (m *Memory) DeleteAll(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.phrases))
	m.phrases = nil
	if m.state != nil {
		m.state.CurrentIndex = 0
	}
	return n, nil
}

// Delete 刪除單筆短句
func (m *Memory) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.phrases {
		if p.ID == id {
			m.phrases = append(m.phrases[:i], m.phrases[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Stats 統計資訊
func (m *Memory) Stats(ctx context.Context) (phrase.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return phrase.Stats{}, errStateMissing
	}
	return phrase.Stats{
		TotalPhrases:  int64(len(m.phrases)),
		CurrentIndex:  m.state.CurrentIndex,
		DailyRequests: m.state.DailyRequestCount,
	}, nil
}

// State 輪替狀態
func (m *Memory) State(ctx context.Context) (phrase.RotationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return phrase.RotationState{}, errStateMissing
	}
	return *m.state, nil
}

// ArchiveDay 寫入或覆寫某天的請求數
func (m *Memory) ArchiveDay(ctx context.Context, day time.Time, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	day = phrase.DateOf(day, time.UTC)
	m.history[day] = phrase.DailyRecord{Day: day, RequestCount: count, ArchivedAt: m.now().UTC()}
	return nil
}

// History 依日期遞減回傳
func (m *Memory) History(ctx context.Context, limit int) ([]phrase.DailyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]phrase.DailyRecord, 0, len(m.history))
	for _, r := range m.history {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Day.After(records[j].Day)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// PruneHistory 刪除 before 之前的紀錄
func (m *Memory) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for day := range m.history {
		if day.Before(before) {
			delete(m.history, day)
			n++
		}
	}
	return n, nil
}
