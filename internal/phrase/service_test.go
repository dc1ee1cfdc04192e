package phrase_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/storage"
	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-phrase-of-the-day/pkg/errors"
)

// testDay 測試起始時間：UTC 中午，避免剛好落在換日邊界
var testDay = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type countingObserver struct {
	n atomic.Int64
}

func (o *countingObserver) StatsChanged() { o.n.Add(1) }

// setupService 以記憶體存儲建立服務
func setupService(t *testing.T, opts ...phrase.Option) (*phrase.Service, *storage.Memory, *testutils.FakeClock) {
	t.Helper()

	clock := testutils.NewFakeClock(testDay)
	store := storage.NewMemory()

	opts = append([]phrase.Option{
		phrase.WithClock(clock.Now),
		phrase.WithLogger(testutils.TestLogger()),
	}, opts...)
	svc := phrase.New(store, opts...)
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return svc, store, clock
}

func addPhrases(t *testing.T, svc *phrase.Service, contents ...string) {
	t.Helper()
	n, err := svc.AddBulk(context.Background(), strings.Join(contents, ";"))
	require.NoError(t, err)
	require.Equal(t, len(contents), n)
}

// TestNext_RoundRobin 測試 N 次取用依序回傳每一則，然後重複
func TestNext_RoundRobin(t *testing.T) {
	for _, n := range []int{1, 2, 5, 17} {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			svc, _, _ := setupService(t)
			ctx := context.Background()

			contents := make([]string, n)
			for i := range contents {
				contents[i] = fmt.Sprintf("phrase-%02d", i)
			}
			addPhrases(t, svc, contents...)

			for round := 0; round < 3; round++ {
				for i := 0; i < n; i++ {
					served, err := svc.Next(ctx)
					require.NoError(t, err)
					assert.Equal(t, contents[i], served.Content, "round %d position %d", round, i)
				}
			}
		})
	}
}

// TestNext_Remaining 測試剩餘次數與上限
func TestNext_Remaining(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	addPhrases(t, svc, "a", "b")

	for i := int64(1); i <= 3; i++ {
		served, err := svc.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, phrase.DefaultDailyLimit-i, served.Remaining)
		assert.Equal(t, phrase.DefaultDailyLimit, served.Limit)
	}
}

// TestNext_NoPhrases 測試沒有短句時不移動指標
func TestNext_NoPhrases(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Next(ctx)
		assert.ErrorIs(t, err, phrase.ErrNoPhrasesAvailable)
	}

	state, err := store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.CurrentIndex)
	assert.Equal(t, int64(0), state.DailyRequestCount, "失敗的請求不計入")
}

// TestNext_NoPhrasesKeepsIndex 測試先前已移動的指標在沒有短句時不變
func TestNext_NoPhrasesKeepsIndex(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()
	addPhrases(t, svc, "a", "b", "c")

	_, err := svc.Next(ctx)
	require.NoError(t, err)

	// 單筆刪除不調整指標，全部刪完時指標仍為 1
	phrases, err := svc.List(ctx)
	require.NoError(t, err)
	for _, p := range phrases {
		require.NoError(t, svc.Delete(ctx, p.ID))
	}

	_, err = svc.Next(ctx)
	require.ErrorIs(t, err, phrase.ErrNoPhrasesAvailable)

	state, err := store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.CurrentIndex)
}

// TestNext_DailyLimit 測試第 limit+1 次請求被拒絕，剩餘為 0
func TestNext_DailyLimit(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()
	addPhrases(t, svc, "a", "b", "c")

	for i := int64(0); i < phrase.DefaultDailyLimit; i++ {
		_, err := svc.Next(ctx)
		require.NoError(t, err, "request %d", i+1)
	}

	served, err := svc.Next(ctx)
	require.ErrorIs(t, err, phrase.ErrRateLimitExceeded)
	assert.Equal(t, int64(0), served.Remaining)
	assert.Equal(t, phrase.DefaultDailyLimit, served.Limit)

	state, err := store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, phrase.DefaultDailyLimit, state.DailyRequestCount, "被拒絕的請求不計入")
	assert.Equal(t, phrase.DefaultDailyLimit%3, state.CurrentIndex, "被拒絕的請求不移動指標")
}

// TestNext_CustomLimit 測試自訂上限
func TestNext_CustomLimit(t *testing.T) {
	svc, _, _ := setupService(t, phrase.WithDailyLimit(2))
	ctx := context.Background()
	addPhrases(t, svc, "a")

	served, err := svc.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), served.Remaining)

	served, err = svc.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), served.Remaining)

	_, err = svc.Next(ctx)
	assert.ErrorIs(t, err, phrase.ErrRateLimitExceeded)
}

// TestNext_DayBoundaryReset 測試跨日後計數歸零，該請求算今日第 1 次
func TestNext_DayBoundaryReset(t *testing.T) {
	svc, store, clock := setupService(t, phrase.WithDailyLimit(5))
	ctx := context.Background()
	addPhrases(t, svc, "a", "b")

	for i := 0; i < 5; i++ {
		_, err := svc.Next(ctx)
		require.NoError(t, err)
	}
	_, err := svc.Next(ctx)
	require.ErrorIs(t, err, phrase.ErrRateLimitExceeded)

	// 同一天晚一點仍被限流
	clock.Set(time.Date(2025, 3, 10, 23, 59, 59, 0, time.UTC))
	_, err = svc.Next(ctx)
	require.ErrorIs(t, err, phrase.ErrRateLimitExceeded)

	// 午夜過後
	clock.Set(time.Date(2025, 3, 11, 0, 0, 1, 0, time.UTC))
	served, err := svc.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), served.Remaining, "新的一天第 1 次請求")
	assert.Equal(t, "b", served.Content, "指標跨日不歸零")

	state, err := store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.DailyRequestCount)
	assert.True(t, phrase.SameDate(state.LastResetDate, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)))
}

// TestNext_ResetPersistsOnFailure 測試換日重置在沒有短句時仍被保存
func TestNext_ResetPersistsOnFailure(t *testing.T) {
	svc, store, clock := setupService(t)
	ctx := context.Background()
	addPhrases(t, svc, "a")

	_, err := svc.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteAll(ctx))

	clock.Advance(24 * time.Hour)
	_, err = svc.Next(ctx)
	require.ErrorIs(t, err, phrase.ErrNoPhrasesAvailable)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.DailyRequests)

	state, err := store.State(ctx)
	require.NoError(t, err)
	assert.True(t, phrase.SameDate(state.LastResetDate, phrase.DateOf(clock.Now(), time.UTC)))
}

// shrinkingStore 計數之後、取值之前短句被刪除
type shrinkingStore struct {
	*storage.Memory
}

func (s shrinkingStore) Rotate(ctx context.Context, fn func(ctx context.Context, tx phrase.StateTx) error) error {
	return s.Memory.Rotate(ctx, func(ctx context.Context, tx phrase.StateTx) error {
		return fn(ctx, shrinkingTx{StateTx: tx})
	})
}

type shrinkingTx struct {
	phrase.StateTx
}

func (shrinkingTx) PhraseAt(context.Context, int64) (phrase.Phrase, bool, error) {
	return phrase.Phrase{}, false, nil
}

// TestNext_PhraseNotFound 測試位置上沒有短句時回傳帶位置資訊的錯誤
func TestNext_PhraseNotFound(t *testing.T) {
	mem := storage.NewMemory()
	svc := phrase.New(shrinkingStore{Memory: mem},
		phrase.WithClock(testutils.NewFakeClock(testDay).Now),
		phrase.WithLogger(testutils.TestLogger()),
	)
	ctx := context.Background()
	require.NoError(t, svc.Init(ctx))
	require.NoError(t, mem.Insert(ctx, []phrase.Phrase{
		{ID: "a", Content: "a", CreatedAt: testDay},
		{ID: "b", Content: "b", CreatedAt: testDay},
	}))

	_, err := svc.Next(ctx)
	require.ErrorIs(t, err, phrase.ErrPhraseNotFound)
	assert.True(t, apperrors.IsNotFound(err))

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "index 0 of 2", appErr.Details)
	assert.Empty(t, phrase.ErrPhraseNotFound.Details, "哨兵錯誤本身不被修改")

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.DailyRequests)
}

// TestNext_TimezoneBoundary 測試以設定時區判斷日期
func TestNext_TimezoneBoundary(t *testing.T) {
	taipei := time.FixedZone("UTC+8", 8*3600)
	svc, _, clock := setupService(t, phrase.WithDailyLimit(1), phrase.WithLocation(taipei))
	ctx := context.Background()
	addPhrases(t, svc, "a")

	// UTC 15:30 = 台北 23:30
	clock.Set(time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC))
	_, err := svc.Next(ctx)
	require.NoError(t, err)
	_, err = svc.Next(ctx)
	require.ErrorIs(t, err, phrase.ErrRateLimitExceeded)

	// UTC 16:30 = 台北隔天 00:30，UTC 仍是同一天
	clock.Set(time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC))
	_, err = svc.Next(ctx)
	assert.NoError(t, err)
}

// TestDeleteAll_ResetsIndex 測試全部刪除後重新新增，從第一則開始
func TestDeleteAll_ResetsIndex(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()
	addPhrases(t, svc, "x", "y", "z", "w")

	for i := 0; i < 2; i++ {
		_, err := svc.Next(ctx)
		require.NoError(t, err)
	}

	before, err := store.State(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteAll(ctx))
	n, err := svc.AddBulk(ctx, "a;b;c")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	served, err := svc.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", served.Content)

	after, err := store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.DailyRequestCount+1, after.DailyRequestCount, "全部刪除不影響每日計數")
}

// TestDelete_BeforePointer 測試刪除指標之前的短句不會越界
func TestDelete_BeforePointer(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	addPhrases(t, svc, "a", "b", "c")

	// 取用 a、b、c，指標回到 0；再取 a、b，指標為 2
	for i := 0; i < 5; i++ {
		_, err := svc.Next(ctx)
		require.NoError(t, err)
	}

	phrases, err := svc.List(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, phrases[0].ID))

	// 剩 [b, c]，指標 2 mod 2 = 0 → b
	served, err := svc.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", served.Content)

	served, err = svc.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", served.Content)
}

// TestDelete_Missing 測試刪除不存在的 ID 視為成功
func TestDelete_Missing(t *testing.T) {
	pub := &testutils.RecordingPublisher{}
	svc, _, _ := setupService(t, phrase.WithPublisher(pub))

	assert.NoError(t, svc.Delete(context.Background(), "does-not-exist"))
	require.NoError(t, svc.Close(context.Background()))
	assert.Empty(t, pub.Events(), "沒有刪除任何資料時不發布事件")
}

// TestAddBulk 測試批次新增的拆分與驗證
func TestAddBulk(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr error
	}{
		{name: "一般", raw: "a;b;c", want: []string{"a", "b", "c"}},
		{name: "去除空白與空片段", raw: "  hello ;; world ;", want: []string{"hello", "world"}},
		{name: "單筆", raw: "only one", want: []string{"only one"}},
		{name: "全部空白", raw: " ; ; ", wantErr: phrase.ErrNoValidPhrases},
		{name: "空字串", raw: "", wantErr: phrase.ErrNoValidPhrases},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := setupService(t)
			ctx := context.Background()

			n, err := svc.AddBulk(ctx, tt.raw)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, phrase.ErrValidation)
				assert.Zero(t, n)

				phrases, err := svc.List(ctx)
				require.NoError(t, err)
				assert.Empty(t, phrases, "驗證失敗時不寫入")
				return
			}

			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)

			phrases, err := svc.List(ctx)
			require.NoError(t, err)
			got := make([]string, len(phrases))
			for i, p := range phrases {
				got[i] = p.Content
				assert.NotEmpty(t, p.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestAddBulk_OrderAcrossBatches 測試後加入的批次排在後面
func TestAddBulk_OrderAcrossBatches(t *testing.T) {
	svc, _, clock := setupService(t)
	ctx := context.Background()

	addPhrases(t, svc, "1", "2")
	clock.Advance(time.Second)
	addPhrases(t, svc, "3")
	clock.Advance(time.Second)
	_, err := svc.Add(ctx, "4")
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		served, err := svc.Next(ctx)
		require.NoError(t, err)
		got = append(got, served.Content)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, got)
}

// TestAdd 測試單筆新增
func TestAdd(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	p, err := svc.Add(ctx, "  trimmed  ")
	require.NoError(t, err)
	assert.Equal(t, "trimmed", p.Content)
	assert.NotEmpty(t, p.ID)
	assert.True(t, p.CreatedAt.Equal(testDay))

	_, err = svc.Add(ctx, "   ")
	assert.ErrorIs(t, err, phrase.ErrEmptyContent)
	assert.ErrorIs(t, err, phrase.ErrValidation)
}

// TestStats 測試統計資訊
func TestStats(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	addPhrases(t, svc, "a", "b", "c")

	for i := 0; i < 4; i++ {
		_, err := svc.Next(ctx)
		require.NoError(t, err)
	}

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, phrase.Stats{TotalPhrases: 3, CurrentIndex: 1, DailyRequests: 4}, stats)

	again, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats, again, "讀取統計沒有副作用")
}

// TestEventsAndObservers 測試狀態變更時發布事件並通知觀察者
func TestEventsAndObservers(t *testing.T) {
	pub := &testutils.RecordingPublisher{Err: errors.New("nats down")}
	obs := &countingObserver{}
	svc, _, _ := setupService(t, phrase.WithPublisher(pub), phrase.WithObserver(obs))
	ctx := context.Background()

	addPhrases(t, svc, "a", "b")
	served, err := svc.Next(ctx)
	require.NoError(t, err, "發布失敗不影響請求")

	phrases, err := svc.List(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, phrases[1].ID))
	require.NoError(t, svc.DeleteAll(ctx))
	require.NoError(t, svc.Close(ctx))

	events := pub.Events()
	require.Len(t, events, 4)
	assert.Equal(t, phrase.EventAdded, events[0].Type)
	assert.Equal(t, int64(2), events[0].Count)
	assert.Equal(t, phrase.EventServed, events[1].Type)
	assert.Equal(t, served.PhraseID, events[1].PhraseID)
	assert.Equal(t, phrase.EventDeleted, events[2].Type)
	assert.Equal(t, phrases[1].ID, events[2].PhraseID)
	assert.Equal(t, phrase.EventDeleted, events[3].Type)
	assert.Equal(t, int64(1), events[3].Count)

	assert.Equal(t, int64(4), obs.n.Load())
}

// slowPublisher 在 release 關閉或 ctx 到期前不返回
type slowPublisher struct {
	release chan struct{}
	calls   atomic.Int64
	done    atomic.Int64
}

func newSlowPublisher() *slowPublisher {
	return &slowPublisher{release: make(chan struct{})}
}

func (p *slowPublisher) Publish(ctx context.Context, _ phrase.Event) error {
	p.calls.Add(1)
	select {
	case <-p.release:
		p.done.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestNext_SlowPublisherDoesNotBlock 測試事件發布卡住時，取用與管理操作照常立即返回
func TestNext_SlowPublisherDoesNotBlock(t *testing.T) {
	pub := newSlowPublisher()
	svc, _, _ := setupService(t, phrase.WithPublisher(pub))
	ctx := context.Background()

	start := time.Now()
	addPhrases(t, svc, "a", "b")
	for _, want := range []string{"a", "b", "a"} {
		served, err := svc.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, served.Content)
	}
	require.NoError(t, svc.DeleteAll(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "請求不等待事件發布")

	// 放行後佇列中的 5 個事件依序送出
	close(pub.release)
	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, int64(5), pub.done.Load())
}

// TestPublish_BufferFullDropsEvents 測試佇列滿時丟棄事件而不阻塞
func TestPublish_BufferFullDropsEvents(t *testing.T) {
	pub := newSlowPublisher()
	svc, _, _ := setupService(t, phrase.WithPublisher(pub), phrase.WithEventBuffer(1))
	ctx := context.Background()

	addPhrases(t, svc, "a")
	start := time.Now()
	for range 10 {
		_, err := svc.Next(ctx)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(pub.release)
	require.NoError(t, svc.Close(ctx))

	// 最多一個正在發布、一個在佇列中
	assert.LessOrEqual(t, pub.calls.Load(), int64(2))

	// 關閉後的狀態變更不再發布
	_, err := svc.Next(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, pub.calls.Load(), int64(2))
}

// TestClose_Deadline 測試發布卡住時 Close 依 ctx 返回
func TestClose_Deadline(t *testing.T) {
	pub := newSlowPublisher()
	svc, _, _ := setupService(t, phrase.WithPublisher(pub))
	t.Cleanup(func() { close(pub.release) })

	addPhrases(t, svc, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Close(ctx), context.DeadlineExceeded)
}

// TestHistory 測試歸檔查詢的天數範圍
func TestHistory(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		day := testDay.AddDate(0, 0, -i)
		require.NoError(t, store.ArchiveDay(ctx, day, int64(i)))
	}

	records, err := svc.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, records, phrase.DefaultHistoryDays)
	assert.True(t, records[0].Day.After(records[1].Day), "新到舊")

	records, err = svc.History(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, records, 7)
}

// TestNext_Concurrent 測試併發取用：每次成功都計數，位置連續不重複
func TestNext_Concurrent(t *testing.T) {
	const n = 10
	svc, _, _ := setupService(t)
	ctx := context.Background()

	contents := make([]string, n)
	for i := range contents {
		contents[i] = fmt.Sprintf("p%d", i)
	}
	addPhrases(t, svc, contents...)

	var served atomic.Int64
	seen := make(chan string, phrase.DefaultDailyLimit)
	testutils.RunConcurrently(t, 10, 10, func(_, _ int) {
		s, err := svc.Next(ctx)
		if err == nil {
			served.Add(1)
			seen <- s.Content
		}
	})
	close(seen)

	counts := map[string]int{}
	for c := range seen {
		counts[c]++
	}

	assert.Equal(t, phrase.DefaultDailyLimit, served.Load())
	for _, c := range contents {
		assert.Equal(t, int(phrase.DefaultDailyLimit)/n, counts[c], "每則短句被取用相同次數")
	}

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, phrase.DefaultDailyLimit, stats.DailyRequests)
}
