package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// LimiterFunc 限流函數
//
// TokenBucket.Allow 與 DistributedTokenBucket.Allow 都符合此簽名。
type LimiterFunc func(ctx context.Context, key string) (bool, error)

// Config 限流中間件設定
type Config struct {
	// Limiter 限流器
	Limiter LimiterFunc

	// KeyFunc 從請求提取限流 key，預設為 "ip:" + ClientIP(r)
	// （只看 RemoteAddr；在反向代理後方時改用 IPResolver.Key）
	KeyFunc func(r *http.Request) string

	// RetryAfter 被拒絕時建議的等待秒數，預設 1
	RetryAfter int

	// Timeout 單次限流判斷的上限，預設 100ms
	Timeout time.Duration

	Logger *slog.Logger
}

// Middleware 建立限流中間件
//
// 限流器出錯時放行（可用性優先），並記錄 warn。
// 被拒絕時回應 429 {"error":"Too many requests"} 與 Retry-After。
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(r *http.Request) string {
			return "ip:" + ClientIP(r)
		}
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	retryAfter := strconv.Itoa(cfg.RetryAfter)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cfg.KeyFunc(r)

			ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
			allowed, err := cfg.Limiter(ctx, key)
			cancel()

			if err != nil {
				cfg.Logger.WarnContext(r.Context(), "rate limiter unavailable, allowing request",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				cfg.Logger.DebugContext(r.Context(), "request rate limited", slog.String("key", key))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"Too many requests"}` + "\n"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 取得直接連線的對端 IP（RemoteAddr）
//
// 不讀取 X-Forwarded-For / X-Real-IP：任何客戶端都能偽造這兩個標頭，
// 每次換一個值就能拿到新的令牌桶。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IPResolver 只在對端是受信任的反向代理時採用轉發標頭
type IPResolver struct {
	trusted []netip.Prefix
}

// NewIPResolver 以 CIDR 或單一 IP 列表建立解析器
func NewIPResolver(trustedProxies []string) (*IPResolver, error) {
	r := &IPResolver{}
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			r.trusted = append(r.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		addr = addr.Unmap()
		r.trusted = append(r.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return r, nil
}

// isTrusted 位址是否屬於受信任的代理
func (r *IPResolver) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP 取得客戶端 IP
//
//  1. 對端不是受信任代理 → 直接用 RemoteAddr，忽略所有轉發標頭
//  2. 由右往左走 X-Forwarded-For，跳過受信任代理，第一個不受信任的位址就是客戶端
//  3. 沒有 X-Forwarded-For 時使用 X-Real-IP
func (r *IPResolver) ClientIP(req *http.Request) string {
	peer := ClientIP(req)
	if !r.isTrusted(peer) {
		return peer
	}

	if xff := req.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if _, err := netip.ParseAddr(hop); err != nil {
				// 無法解析的值之後都不可信
				return peer
			}
			if !r.isTrusted(hop) {
				return hop
			}
		}
		return strings.TrimSpace(hops[0])
	}

	if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
		if _, err := netip.ParseAddr(ip); err == nil {
			return ip
		}
	}
	return peer
}

// Key 可直接作為 Config.KeyFunc
func (r *IPResolver) Key(req *http.Request) string {
	return "ip:" + r.ClientIP(req)
}
