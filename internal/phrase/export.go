package phrase

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Format 匯出格式
type Format string

const (
	FormatTXT Format = "txt"
	FormatCSV Format = "csv"
)

// csvHeader 匯出 CSV 的標題列
const csvHeader = "ID,Content,Created At"

// ParseFormat 解析匯出格式，未知或空白一律視為 txt
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatCSV)) {
		return FormatCSV
	}
	return FormatTXT
}

// Export 匯出結果
type Export struct {
	Body        []byte
	ContentType string
	Filename    string
}

// Export 依輪替順序匯出全部短句
//
// 匯出是完整備份，一律讀取底層存儲，不經過清單快取。
func (s *Service) Export(ctx context.Context, format Format) (Export, error) {
	store := s.store
	if d, ok := store.(Decorator); ok {
		store = d.Backend()
	}

	phrases, err := store.List(ctx)
	if err != nil {
		return Export{}, fmt.Errorf("export: %w", err)
	}

	if format == FormatCSV {
		return Export{
			Body:        []byte(EncodeCSV(phrases)),
			ContentType: "text/csv; charset=utf-8",
			Filename:    "phrases.csv",
		}, nil
	}

	return Export{
		Body:        []byte(EncodeTXT(phrases)),
		ContentType: "text/plain; charset=utf-8",
		Filename:    "phrases.txt",
	}, nil
}

// EncodeTXT 每行一則短句內容
func EncodeTXT(phrases []Phrase) string {
	lines := make([]string, len(phrases))
	for i, p := range phrases {
		lines[i] = p.Content
	}
	return strings.Join(lines, "\n")
}

// EncodeCSV 標題列之後每則短句一列，每個欄位都加上雙引號，
// 內容中的雙引號以兩個雙引號跳脫。
//
// 不使用 encoding/csv：它只在必要時才加引號，匯出格式要求每個欄位都加。
func EncodeCSV(phrases []Phrase) string {
	var b strings.Builder
	b.WriteString(csvHeader)

	for _, p := range phrases {
		b.WriteByte('\n')
		b.WriteString(quote(p.ID))
		b.WriteByte(',')
		b.WriteString(quote(p.Content))
		b.WriteByte(',')
		b.WriteString(quote(p.CreatedAt.UTC().Format(time.RFC3339)))
	}
	return b.String()
}

func quote(field string) string {
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}
