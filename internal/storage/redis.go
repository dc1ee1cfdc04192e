package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
	apperrors "github.com/koopa0/system-design/14-phrase-of-the-day/pkg/errors"
)

// DefaultListKey 短句清單的快取鍵
const DefaultListKey = "phrase:list"

// versionSuffix 清單版本號的鍵後綴，每次寫入都遞增
const versionSuffix = ":version"

// fillScript 版本號未變時才回填
//
// KEYS[1] = 清單鍵
// KEYS[2] = 版本鍵
// ARGV[1] = 讀取後端前看到的版本
// ARGV[2] = 清單 JSON
// ARGV[3] = TTL（毫秒）
//
// 回傳 1 表示已回填，0 表示期間有寫入而放棄。
var fillScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
    return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// CachedStore Redis Cache-Aside 裝飾器
//
// 系統設計考量：
//
//  1. 只快取 List（管理介面清單）
//     - Rotate / Stats 一律直通後端：輪替正確性不依賴快取
//     - 匯出透過 Backend 直接讀後端
//
//  2. 寫入策略：先寫後端，成功後遞增版本號並刪除快取鍵（不雙寫）
//     - 未命中時先讀版本號再讀後端，回填前以 Lua 比對版本號
//     - 讀取後端期間若有寫入，版本號已變，舊清單不會被寫回快取
//
//  3. Redis 故障時降級為直接讀寫後端，只記錄警告
//     - 失效失敗時標記為 dirty：之後的 List 繞過快取並重試失效，成功後才恢復
//
// 內嵌 phrase.Store：未覆寫的方法自動轉給後端。
type CachedStore struct {
	phrase.Store
	client     redis.Cmdable
	ttl        time.Duration
	key        string
	versionKey string
	logger     *slog.Logger

	// dirty 失效失敗、快取內容可能過期
	dirty atomic.Bool
}

// NewCachedStore 創建快取裝飾器
func NewCachedStore(backend phrase.Store, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		Store:      backend,
		client:     client,
		ttl:        ttl,
		key:        DefaultListKey,
		versionKey: DefaultListKey + versionSuffix,
		logger:     logger,
	}
}

// Backend 底層存儲
func (c *CachedStore) Backend() phrase.Store {
	return c.Store
}

// Ping 就緒檢查
func (c *CachedStore) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return unavailable(apperrors.ErrRedisUnavailable, err)
	}
	return nil
}

// List 先查快取，未命中再查後端並回填
func (c *CachedStore) List(ctx context.Context) ([]phrase.Phrase, error) {
	if c.dirty.Load() {
		// 上次失效沒成功：先重試，成功前不信任快取
		if !c.invalidate(ctx) {
			return c.Store.List(ctx)
		}
	}

	data, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		var phrases []phrase.Phrase
		if jsonErr := json.Unmarshal(data, &phrases); jsonErr == nil {
			return phrases, nil
		}
		c.logger.Warn("corrupted phrase list cache, reloading", "key", c.key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("redis get failed, falling back to store", "key", c.key, "error", err)
		return c.Store.List(ctx)
	}

	// 版本號必須在讀取後端之前取得
	version, err := c.client.Get(ctx, c.versionKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		version = "0"
	case err != nil:
		c.logger.Warn("redis get version failed, skipping refill", "key", c.versionKey, "error", err)
		return c.Store.List(ctx)
	}

	phrases, err := c.Store.List(ctx)
	if err != nil {
		return nil, err
	}

	c.fill(ctx, version, phrases)
	return phrases, nil
}

// fill 版本號未變時回填快取
func (c *CachedStore) fill(ctx context.Context, version string, phrases []phrase.Phrase) {
	data, err := json.Marshal(phrases)
	if err != nil {
		return
	}

	ttl := strconv.FormatInt(c.ttl.Milliseconds(), 10)
	filled, err := fillScript.Run(ctx, c.client, []string{c.key, c.versionKey}, version, data, ttl).Int()
	if err != nil {
		c.logger.Warn("redis refill failed", "key", c.key, "error", err)
		return
	}
	if filled == 0 {
		c.logger.Debug("phrase list changed during load, refill skipped", "key", c.key)
	}
}

// Insert 寫入後端後使快取失效
func (c *CachedStore) Insert(ctx context.Context, phrases []phrase.Phrase) error {
	if err := c.Store.Insert(ctx, phrases); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

// DeleteAll 刪除後使快取失效
func (c *CachedStore) DeleteAll(ctx context.Context) (int64, error) {
	n, err := c.Store.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	c.invalidate(ctx)
	return n, nil
}

// Delete 刪除後使快取失效
func (c *CachedStore) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := c.Store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		c.invalidate(ctx)
	}
	return deleted, nil
}

// invalidate 遞增版本號並刪除清單快取，回傳是否成功
//
// 使用 WithoutCancel：請求在寫入成功後被取消時，仍須清除舊清單。
func (c *CachedStore) invalidate(ctx context.Context) bool {
	ctx = context.WithoutCancel(ctx)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.versionKey)
		pipe.Del(ctx, c.key)
		return nil
	})
	if err != nil {
		c.dirty.Store(true)
		c.logger.Warn("redis invalidate failed, bypassing cache until retry succeeds", "key", c.key, "error", err)
		return false
	}

	c.dirty.Store(false)
	return true
}
