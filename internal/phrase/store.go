package phrase

import (
	"context"
	"time"
)

// Store 定義存儲層接口
//
// 系統設計考量：
//
//  1. 輪替狀態的讀取、修改、寫入必須在同一個交易內完成
//     → Rotate 把整段邏輯交給 fn，由實作決定如何保證原子性
//     → PostgreSQL：SELECT ... FOR UPDATE 鎖住單例列
//     → Memory：持有互斥鎖直到 fn 結束
//
//  2. 單例狀態在啟動時建立（EnsureState），不在每個請求中檢查是否存在
//
//  3. 批次新增是全有或全無
type Store interface {
	// EnsureState 若輪替狀態不存在則以 (0, 0, today) 建立，已存在則不變
	EnsureState(ctx context.Context, today time.Time) error

	// Rotate 在單一交易中執行 fn
	//
	// fn 回傳 nil 時提交，回傳錯誤時回滾。
	// 領域層的失敗（限流、沒有短句）不應回傳錯誤，
	// 否則當天的計數重置也會被回滾。
	Rotate(ctx context.Context, fn func(ctx context.Context, tx StateTx) error) error

	// List 依輪替順序回傳全部短句
	List(ctx context.Context) ([]Phrase, error)

	// Insert 原子地新增一批短句，順序即輪替順序
	Insert(ctx context.Context, phrases []Phrase) error

	// DeleteAll 刪除全部短句並把 CurrentIndex 歸零（計數與重置日期不變）
	DeleteAll(ctx context.Context) (int64, error)

	// Delete 刪除單筆短句；不存在時回傳 false 而非錯誤
	Delete(ctx context.Context, id string) (bool, error)

	// Stats 讀取統計資訊，沒有副作用
	Stats(ctx context.Context) (Stats, error)

	// State 讀取輪替狀態（不加鎖）
	State(ctx context.Context) (RotationState, error)

	// ArchiveDay 寫入（或覆寫）某天的請求數
	ArchiveDay(ctx context.Context, day time.Time, count int64) error

	// History 依日期遞減回傳最多 limit 筆歸檔紀錄
	History(ctx context.Context, limit int) ([]DailyRecord, error)

	// PruneHistory 刪除 before 之前的歸檔紀錄
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// StateTx 交易內可用的操作
type StateTx interface {
	// LoadState 讀取並鎖定輪替狀態
	LoadState(ctx context.Context) (RotationState, error)

	// SaveState 寫回輪替狀態
	SaveState(ctx context.Context, state RotationState) error

	// Count 短句總數
	Count(ctx context.Context) (int64, error)

	// PhraseAt 依輪替順序取第 index 筆（從 0 開始）；超出範圍時 ok 為 false
	PhraseAt(ctx context.Context, index int64) (p Phrase, ok bool, err error)
}

// Decorator 包裝另一個 Store 的實作（例如清單快取）
type Decorator interface {
	Backend() Store
}
