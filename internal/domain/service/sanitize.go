// Package service 提供无状态的领域服务
package service

import (
	"regexp"
	"strings"
)

const maxSanitizedLen = 200

// 先替换带键名的取值，再兜底清除裸露的长随机串。
var (
	kvPattern     = regexp.MustCompile(`(?i)\b(api[_-]?key|key|token|authorization|secret)\b\s*[:=]\s*\S+`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+\S+`)
	blobPattern   = regexp.MustCompile(`\b[A-Za-z0-9_\-]{24,}\b`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// Sanitize 脱敏上游错误文本：抹掉可能的密钥片段，压缩空白并截断。
// 结果可安全写入日志、流水与 API 响应。
func Sanitize(raw string) string {
	s := kvPattern.ReplaceAllString(raw, "$1=[REDACTED]")
	s = bearerPattern.ReplaceAllString(s, "bearer [REDACTED]")
	s = blobPattern.ReplaceAllString(s, "[REDACTED]")
	s = strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
	if runes := []rune(s); len(runes) > maxSanitizedLen {
		s = string(runes[:maxSanitizedLen])
	}
	return s
}
