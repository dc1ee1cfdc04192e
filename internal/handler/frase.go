package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
	apperrors "github.com/koopa0/system-design/14-phrase-of-the-day/pkg/errors"
	"github.com/koopa0/system-design/14-phrase-of-the-day/pkg/logger"
)

// 公開端點的回應文字
const (
	msgNoPhrases        = "No phrases available. Please add some phrases first."
	msgPhraseNotFound   = "Phrase not found."
	msgMethodNotAllowed = "Method not allowed"
	msgInternal         = "Internal server error"
)

// nextPhrase 取得今日下一則短句
//
// API: GET /api/frase
// Response: text/plain 短句內容
// Headers: X-RateLimit-Remaining、X-RateLimit-Limit
func (h *Handler) nextPhrase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := strconv.FormatInt(h.svc.DailyLimit(), 10)

	served, err := h.svc.Next(ctx)
	switch {
	case err == nil:
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(served.Remaining, 10))
		w.Header().Set("X-RateLimit-Limit", limit)
		h.writeText(w, served.Content, http.StatusOK)

	case apperrors.IsQuotaExceeded(err):
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Limit", limit)
		h.writeText(w, fmt.Sprintf("Rate limit exceeded. Maximum %d requests per day.", h.svc.DailyLimit()), http.StatusTooManyRequests)

	case errors.Is(err, phrase.ErrNoPhrasesAvailable):
		h.writeText(w, msgNoPhrases, http.StatusNotFound)

	case errors.Is(err, phrase.ErrPhraseNotFound):
		h.logger.WarnContext(ctx, "phrase missing at rotation position", slog.String("details", errorDetails(err)))
		h.writeText(w, msgPhraseNotFound, http.StatusNotFound)

	default:
		logger.LogError(ctx, h.logger, "serve phrase failed", err, errorCode(err))
		h.writeText(w, msgInternal, http.StatusInternalServerError)
	}
}

// phraseMethodNotAllowed /api/frase 只接受 GET
func (h *Handler) phraseMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.logger.DebugContext(r.Context(), "method not allowed", slog.String("method", r.Method))
	w.Header().Set("Allow", http.MethodGet)
	h.writeText(w, msgMethodNotAllowed, http.StatusMethodNotAllowed)
}

// errorCode 附加在 500 日誌上的錯誤碼，依賴服務不可用時另外標記
func errorCode(err error) slog.Attr {
	return slog.Group("app_error",
		slog.String("code", apperrors.CodeOf(err)),
		slog.Bool("dependency_unavailable", apperrors.IsUnavailable(err)),
	)
}

// errorDetails 錯誤鏈中 AppError 的詳細資訊
func errorDetails(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Details
	}
	return ""
}
