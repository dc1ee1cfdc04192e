package phrase

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// 歸檔查詢的天數範圍
const (
	DefaultHistoryDays = 30
	MaxHistoryDays     = 366
)

// List 依輪替順序列出全部短句
func (s *Service) List(ctx context.Context) ([]Phrase, error) {
	phrases, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list phrases: %w", err)
	}
	return phrases, nil
}

// Add 新增單筆短句
func (s *Service) Add(ctx context.Context, content string) (Phrase, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Phrase{}, ErrEmptyContent
	}

	p := Phrase{
		ID:        uuid.NewString(),
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Insert(ctx, []Phrase{p}); err != nil {
		return Phrase{}, fmt.Errorf("insert phrase: %w", err)
	}

	s.publish(ctx, Event{Type: EventAdded, PhraseID: p.ID, Count: 1, At: p.CreatedAt})
	s.notify()

	return p, nil
}

// AddBulk 以分號分隔的文字批次新增短句，回傳新增筆數
//
// 同一批次共用同一個建立時間，輪替順序由插入順序決定。
// 拆分後沒有任何有效短句時回傳 ErrNoValidPhrases，不寫入任何資料。
func (s *Service) AddBulk(ctx context.Context, raw string) (int, error) {
	contents := ParseBulk(raw)
	if len(contents) == 0 {
		return 0, ErrNoValidPhrases
	}

	createdAt := s.now().UTC()
	batch := make([]Phrase, len(contents))
	for i, content := range contents {
		batch[i] = Phrase{
			ID:        uuid.NewString(),
			Content:   content,
			CreatedAt: createdAt,
		}
	}

	if err := s.store.Insert(ctx, batch); err != nil {
		return 0, fmt.Errorf("insert %d phrases: %w", len(batch), err)
	}

	s.publish(ctx, Event{Type: EventAdded, Count: int64(len(batch)), At: createdAt})
	s.notify()

	return len(batch), nil
}

// DeleteAll 刪除全部短句，輪替指標歸零
func (s *Service) DeleteAll(ctx context.Context) error {
	n, err := s.store.DeleteAll(ctx)
	if err != nil {
		return fmt.Errorf("delete all phrases: %w", err)
	}

	s.publish(ctx, Event{Type: EventDeleted, Count: n, At: s.now().UTC()})
	s.notify()

	return nil
}

// Delete 刪除單筆短句
//
// 不調整輪替指標：指標可能因此跳過一筆，下次取用時取模自動修正。
// 不存在的 ID 視為成功（冪等）。
func (s *Service) Delete(ctx context.Context, id string) error {
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete phrase %s: %w", id, err)
	}
	if !deleted {
		return nil
	}

	s.publish(ctx, Event{Type: EventDeleted, PhraseID: id, Count: 1, At: s.now().UTC()})
	s.notify()

	return nil
}

// Stats 讀取統計資訊
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// History 最近 days 天的歸檔紀錄
func (s *Service) History(ctx context.Context, days int) ([]DailyRecord, error) {
	if days <= 0 {
		days = DefaultHistoryDays
	}
	if days > MaxHistoryDays {
		days = MaxHistoryDays
	}

	records, err := s.store.History(ctx, days)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return records, nil
}
