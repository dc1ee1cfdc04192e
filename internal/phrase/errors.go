package phrase

import (
	apperrors "github.com/koopa0/system-design/14-phrase-of-the-day/pkg/errors"
)

// 領域錯誤
//
// 每一種失敗都對應到一個對外可觀察的結果（HTTP 狀態碼），
// handler 以 errors.Is 比對；AppError.Is 只比對錯誤碼，
// 因此 ErrNoValidPhrases 與 ErrEmptyContent 都 Is ErrValidation。
var (
	// ErrValidation 輸入驗證失敗（400）
	ErrValidation = apperrors.New(apperrors.ErrCodeInvalidInput, "invalid phrase data")

	// ErrNoValidPhrases 批次文字拆分後沒有任何有效短句
	ErrNoValidPhrases = apperrors.New(apperrors.ErrCodeInvalidInput, "No valid phrases found")

	// ErrEmptyContent 單筆新增的內容為空白
	ErrEmptyContent = apperrors.New(apperrors.ErrCodeInvalidInput, "Phrase content is required")

	// ErrRateLimitExceeded 今日請求數已達上限（429）
	ErrRateLimitExceeded = apperrors.New(apperrors.ErrCodeQuotaExceeded, "daily request limit exceeded")

	// ErrNoPhrasesAvailable 尚未建立任何短句（404）
	ErrNoPhrasesAvailable = apperrors.New(apperrors.ErrCodeNoPhrases, "no phrases available")

	// ErrPhraseNotFound 計算出的位置沒有短句（併發刪除時可能發生，404）
	ErrPhraseNotFound = apperrors.New(apperrors.ErrCodeNotFound, "phrase not found")
)
