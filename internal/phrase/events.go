package phrase

import (
	"context"
	"time"
)

// 事件類型
const (
	EventServed  = "served"
	EventAdded   = "added"
	EventDeleted = "deleted"
)

// Event 短句領域事件
type Event struct {
	Type     string    `json:"type"`
	PhraseID string    `json:"phraseId,omitempty"`
	Count    int64     `json:"count,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher 發布領域事件（例如 NATS JetStream）
//
// Service 在背景 goroutine 中依序呼叫 Publish，
// 發布失敗只記錄日誌，不影響請求結果。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Observer 在狀態改變後收到通知（例如推送即時統計）
//
// StatsChanged 必須是非阻塞的。
type Observer interface {
	StatsChanged()
}
