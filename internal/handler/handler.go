// Package handler 實現 HTTP 請求處理
//
// 路由分成三組：
//
//  1. 公開端點 /api/frase：純文字回應，帶 X-RateLimit-* 標頭
//  2. 管理端點 /api/admin/*：JSON 回應，錯誤統一為 {"error": "..."}
//  3. 維運端點 /health、/ready
//
// 所有端點都經過 requestID → recovery → logRequest 中間件。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
)

// Check 就緒檢查函數（例如 pgxpool.Pool.Ping）
type Check func(ctx context.Context) error

type readinessCheck struct {
	name  string
	check Check
}

// Handler HTTP 處理器
type Handler struct {
	svc    *phrase.Service
	logger *slog.Logger

	hub    *StatsHub
	limit  func(http.Handler) http.Handler
	checks []readinessCheck

	// readyTimeout 單次就緒檢查的等待上限
	readyTimeout time.Duration
}

// Option Handler 設定選項
type Option func(*Handler)

// WithStatsHub 啟用 /api/admin/stats/ws
func WithStatsHub(hub *StatsHub) Option {
	return func(h *Handler) {
		h.hub = hub
	}
}

// WithRateLimit 在 /api/frase 前加上每個客戶端的限流中間件
func WithRateLimit(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.limit = mw
	}
}

// WithReadinessCheck 加入 /ready 的檢查項目
func WithReadinessCheck(name string, check Check) Option {
	return func(h *Handler) {
		if check != nil {
			h.checks = append(h.checks, readinessCheck{name: name, check: check})
		}
	}
}

// New 創建 Handler 實例
func New(svc *phrase.Service, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		svc:          svc,
		logger:       logger,
		readyTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes 設置路由
//
// Go 1.22 的 "GET /path" 同時匹配 HEAD；HEAD 會消耗每日配額，
// 因此另外註冊更具體的 "HEAD /api/frase" 回應 405。
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	next := http.Handler(http.HandlerFunc(h.nextPhrase))
	if h.limit != nil {
		next = h.limit(next)
	}
	mux.Handle("GET /api/frase", h.withMiddleware(next.ServeHTTP))
	mux.HandleFunc("HEAD /api/frase", h.withMiddleware(h.phraseMethodNotAllowed))
	mux.HandleFunc("/api/frase", h.withMiddleware(h.phraseMethodNotAllowed))

	// 管理端點
	mux.HandleFunc("GET /api/admin/phrases", h.withMiddleware(h.listPhrases))
	mux.HandleFunc("POST /api/admin/phrases", h.withMiddleware(h.addPhrase))
	mux.HandleFunc("DELETE /api/admin/phrases", h.withMiddleware(h.deleteAllPhrases))
	mux.HandleFunc("DELETE /api/admin/phrases/{id}", h.withMiddleware(h.deletePhrase))
	mux.HandleFunc("POST /api/admin/phrases/bulk", h.withMiddleware(h.bulkAdd))
	mux.HandleFunc("GET /api/admin/stats", h.withMiddleware(h.stats))
	mux.HandleFunc("GET /api/admin/export", h.withMiddleware(h.export))
	mux.HandleFunc("GET /api/admin/history", h.withMiddleware(h.history))
	if h.hub != nil {
		mux.HandleFunc("GET /api/admin/stats/ws", h.withMiddleware(h.hub.ServeWS))
	}

	mux.HandleFunc("GET /health", h.withMiddleware(h.health))
	mux.HandleFunc("GET /ready", h.withMiddleware(h.ready))

	return mux
}

// withMiddleware 應用中間件鏈（requestID 在最外層）
func (h *Handler) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return h.requestID(h.recovery(h.logRequest(next)))
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// ready 就緒檢查：任一依賴失敗即 503
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.readyTimeout)
	defer cancel()

	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed",
				slog.String("dependency", c.name),
				slog.String("error", err.Error()),
			)
			h.errorJSON(w, c.name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}

	h.writeJSON(w, map[string]string{"status": "ready"}, http.StatusOK)
}
