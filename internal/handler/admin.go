package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
	apperrors "github.com/koopa0/system-design/14-phrase-of-the-day/pkg/errors"
	"github.com/koopa0/system-design/14-phrase-of-the-day/pkg/logger"
)

// 請求本文上限
const maxBodyBytes = 1 << 20

// listPhrases 列出全部短句
//
// API: GET /api/admin/phrases
func (h *Handler) listPhrases(w http.ResponseWriter, r *http.Request) {
	phrases, err := h.svc.List(r.Context())
	if err != nil {
		h.adminError(w, r, "list phrases failed", err)
		return
	}
	h.writeJSON(w, phrases, http.StatusOK)
}

// addPhrase 新增單筆短句
//
// API: POST /api/admin/phrases
// Body: {"content": "..."}
func (h *Handler) addPhrase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.errorJSON(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.svc.Add(r.Context(), req.Content)
	if err != nil {
		h.adminError(w, r, "add phrase failed", err)
		return
	}
	h.writeJSON(w, p, http.StatusCreated)
}

// bulkAdd 批次新增
//
// API: POST /api/admin/phrases/bulk
// Body: {"phrases": "第一句;第二句;第三句"}
//
// phrases 缺少、不是字串或為空字串 → 400 "Phrases text is required"
func (h *Handler) bulkAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phrases any `json:"phrases"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.errorJSON(w, "Phrases text is required", http.StatusBadRequest)
		return
	}

	raw, ok := req.Phrases.(string)
	if !ok || raw == "" {
		h.errorJSON(w, "Phrases text is required", http.StatusBadRequest)
		return
	}

	n, err := h.svc.AddBulk(r.Context(), raw)
	if err != nil {
		h.adminError(w, r, "bulk add failed", err)
		return
	}

	h.writeJSON(w, map[string]any{
		"message": fmt.Sprintf("%d phrases added successfully", n),
		"count":   n,
	}, http.StatusOK)
}

// deleteAllPhrases 刪除全部短句
//
// API: DELETE /api/admin/phrases
func (h *Handler) deleteAllPhrases(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteAll(r.Context()); err != nil {
		h.adminError(w, r, "delete all phrases failed", err)
		return
	}
	h.writeJSON(w, map[string]string{"message": "All phrases deleted successfully"}, http.StatusOK)
}

// deletePhrase 刪除單筆短句；ID 不存在也回 200
//
// API: DELETE /api/admin/phrases/{id}
func (h *Handler) deletePhrase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.adminError(w, r, "delete phrase failed", err)
		return
	}
	h.writeJSON(w, map[string]string{"message": "Phrase deleted successfully"}, http.StatusOK)
}

// stats 統計資訊
//
// API: GET /api/admin/stats
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.adminError(w, r, "load stats failed", err)
		return
	}
	h.writeJSON(w, stats, http.StatusOK)
}

// export 匯出全部短句
//
// API: GET /api/admin/export?format=txt|csv
func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	format := phrase.ParseFormat(r.URL.Query().Get("format"))

	exp, err := h.svc.Export(r.Context(), format)
	if err != nil {
		h.adminError(w, r, "export phrases failed", err)
		return
	}

	w.Header().Set("Content-Type", exp.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+exp.Filename)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(exp.Body); err != nil {
		h.logger.WarnContext(r.Context(), "write export failed", "error", err)
	}
}

// history 每日請求數歸檔
//
// API: GET /api/admin/history?days=30
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	days := phrase.DefaultHistoryDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.errorJSON(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = n
	}

	records, err := h.svc.History(r.Context(), days)
	if err != nil {
		h.adminError(w, r, "load history failed", err)
		return
	}
	h.writeJSON(w, records, http.StatusOK)
}

// adminError 將領域錯誤轉為 JSON 錯誤回應
//
// 驗證錯誤直接回傳 AppError 的訊息；其他錯誤只記錄日誌，不外洩原因。
func (h *Handler) adminError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var appErr *apperrors.AppError
	switch {
	case apperrors.IsInvalidInput(err) && errors.As(err, &appErr):
		h.errorJSON(w, appErr.Message, http.StatusBadRequest)
	case apperrors.IsNotFound(err):
		h.errorJSON(w, "Phrase not found", http.StatusNotFound)
	default:
		logger.LogError(r.Context(), h.logger, msg, err, errorCode(err))
		h.errorJSON(w, msgInternal, http.StatusInternalServerError)
	}
}
