// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

// RequestIDKey 請求 ID 的上下文鍵
const RequestIDKey contextKey = "request_id"

// defaultLogger 預設日誌記錄器
var defaultLogger *slog.Logger

// Options 日誌設定
type Options struct {
	Level     string
	Format    string // json 或 text
	Output    string // stdout、stderr 或檔案路徑
	AddSource bool
	// Location 日誌時間戳記使用的時區，nil 時為 UTC
	Location *time.Location
}

// Init 初始化日誌系統並設為 slog 預設值
func Init(opts Options) (*slog.Logger, error) {
	var output io.Writer
	switch opts.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// #nosec G304 - 路徑來自配置檔
		file, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		output = file
	}

	defaultLogger = New(output, opts)
	slog.SetDefault(defaultLogger)

	return defaultLogger, nil
}

// New 建立寫入 w 的日誌記錄器，不影響全域預設值
func New(w io.Writer, opts Options) *slog.Logger {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     parseLevel(opts.Level),
		AddSource: opts.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.In(loc).Format("2006-01-02 15:04:05.000"))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(&contextHandler{Handler: handler})
}

// parseLevel 解析日誌級別
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取 request_id 的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if requestID := RequestID(ctx); requestID != "" {
		r.AddAttrs(slog.String("request_id", requestID))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留 contextHandler 包裝，否則 logger.With 之後會遺失 request_id
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 同 WithAttrs
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// Default 返回目前的日誌記錄器
func Default() *slog.Logger {
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// WithRequestID 添加請求 ID 到上下文
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestID 取出上下文中的請求 ID
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// LogError 記錄錯誤並包含呼叫位置，attrs 附加在最後
func LogError(ctx context.Context, log *slog.Logger, msg string, err error, attrs ...slog.Attr) {
	if log == nil {
		log = Default()
	}

	all := make([]slog.Attr, 0, len(attrs)+4)
	all = append(all, slog.String("error", err.Error()))

	if pc, file, line, ok := runtime.Caller(1); ok {
		all = append(all,
			slog.String("file", file),
			slog.Int("line", line),
			slog.String("function", runtime.FuncForPC(pc).Name()),
		)
	}

	all = append(all, attrs...)
	log.LogAttrs(ctx, slog.LevelError, msg, all...)
}

// Metrics 記錄指標日誌
func Metrics(ctx context.Context, log *slog.Logger, operation string, duration time.Duration, attrs ...slog.Attr) {
	if log == nil {
		log = Default()
	}

	args := []any{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
	}
	for _, attr := range attrs {
		args = append(args, attr)
	}

	log.DebugContext(ctx, "metrics", args...)
}
