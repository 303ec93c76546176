package biz

import "strings"

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// StripThinking 去掉文本中的一段 <thinking>…</thinking>
// 缺少闭合标签（流被截断）时，从开标签删到文本末尾
func StripThinking(text string) string {
	start := strings.Index(text, thinkingOpenTag)
	if start < 0 {
		return text
	}

	rest := text[start+len(thinkingOpenTag):]
	end := strings.Index(rest, thinkingCloseTag)
	if end < 0 {
		return text[:start]
	}
	return text[:start] + rest[end+len(thinkingCloseTag):]
}
