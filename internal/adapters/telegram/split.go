package telegram

import (
	"strings"
	"unicode/utf8"
)

// MessageLimit задаёт предел длины текстового сообщения Telegram в символах.
const MessageLimit = 4096

// Split режет текст на части не длиннее limit символов.
// Разрез ищется сначала на пустой строке, потом на переводе строки, потом на пробеле,
// чтобы список каналов и справка не рвались посреди строки.
func Split(text string, limit int) []string {
	rest := []rune(strings.TrimSpace(text))
	if len(rest) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = MessageLimit
	}

	var parts []string
	for len(rest) > limit {
		cut := cutPoint(rest[:limit+1])
		if part := strings.TrimSpace(string(rest[:cut])); part != "" {
			parts = append(parts, part)
		}
		rest = []rune(strings.TrimLeft(string(rest[cut:]), " \n"))
	}
	if len(rest) > 0 {
		parts = append(parts, string(rest))
	}
	return parts
}

// cutPoint возвращает длину первой части окна. Окно на один символ длиннее
// предела, чтобы разделитель сразу за пределом тоже подходил.
func cutPoint(window []rune) int {
	limit := len(window) - 1
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(string(window), sep); i > 0 {
			return utf8.RuneCountInString(string(window)[:i])
		}
	}
	return limit
}
