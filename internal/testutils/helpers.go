package testutils

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
)

// FakeClock 可手動推進的時鐘
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 創建固定於 start 的時鐘
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now 目前時間
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推進時間
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set 設定時間
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// RecordingPublisher 記錄所有發布的事件
type RecordingPublisher struct {
	mu     sync.Mutex
	events []phrase.Event
	Err    error
}

// Publish 記錄事件；Err 不為 nil 時回傳它
func (p *RecordingPublisher) Publish(_ context.Context, event phrase.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.Err
}

// Events 已記錄事件的副本
func (p *RecordingPublisher) Events() []phrase.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]phrase.Event, len(p.events))
	copy(out, p.events)
	return out
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數
//
// body 為字串時原樣送出，其他型別以 JSON 編碼。
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if str, ok := body.(string); ok {
			bodyReader = strings.NewReader(str)
		} else {
			jsonBytes, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = strings.NewReader(string(jsonBytes))
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response: %s", recorder.Body.String())
}

// RunConcurrently 以 concurrency 個 goroutine 各執行 iterations 次 fn
func RunConcurrently(t testing.TB, concurrency, iterations int, fn func(workerID, iteration int)) {
	t.Helper()

	var wg sync.WaitGroup
	for i := range concurrency {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := range iterations {
				fn(workerID, j)
			}
		}(i)
	}
	wg.Wait()
}
