package phrase

import "strings"

// BulkSeparator 批次新增時分隔短句的字元
const BulkSeparator = ";"

// ParseBulk 以分號拆分批次文字，去除前後空白並丟棄空片段
//
//	ParseBulk(" a ; ;b;")  → ["a", "b"]
//	ParseBulk(" ; ; ")      → []
func ParseBulk(raw string) []string {
	segments := strings.Split(raw, BulkSeparator)

	contents := make([]string, 0, len(segments))
	for _, seg := range segments {
		if trimmed := strings.TrimSpace(seg); trimmed != "" {
			contents = append(contents, trimmed)
		}
	}
	return contents
}
