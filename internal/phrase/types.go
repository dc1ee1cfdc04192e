package phrase

import (
	"time"
)

// Phrase 一筆可供輪替的短句
//
// 建立後不會再被修改，只能整筆刪除。
// 輪替順序：CreatedAt 遞增，同一時間點依插入順序。
type Phrase struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// RotationState 輪替指標與每日計數（全系統只有一筆）
//
// 不變量：
//   - CurrentIndex 只在讀取時以短句總數取模，寫入時不截斷
//   - DailyRequestCount 在日曆日期改變後的第一個請求歸零
//   - LastResetDate 是設定時區下的日曆日期（以 UTC 午夜表示）
type RotationState struct {
	CurrentIndex      int64
	DailyRequestCount int64
	LastResetDate     time.Time
}

// Stats 管理介面的統計資訊
type Stats struct {
	TotalPhrases  int64 `json:"totalPhrases"`
	CurrentIndex  int64 `json:"currentIndex"`
	DailyRequests int64 `json:"dailyRequests"`
}

// Served 一次成功（或被限流）的取用結果
type Served struct {
	PhraseID  string
	Content   string
	Remaining int64
	Limit     int64
}

// DailyRecord 每日請求數的歸檔紀錄
type DailyRecord struct {
	Day          time.Time `json:"day"`
	RequestCount int64     `json:"requestCount"`
	ArchivedAt   time.Time `json:"archivedAt"`
}

// DateOf 回傳 t 在 loc 時區下的日曆日期
//
// 日期一律以 UTC 午夜表示，才能直接用 Equal 比較，
// 也與 PostgreSQL DATE 欄位掃描出的值一致。
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDate 比較兩個時間的日曆日期（忽略時區與時分秒）
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
