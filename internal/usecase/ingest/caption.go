package ingest

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// CaptionConfig задаёт оформление подписи.
type CaptionConfig struct {
	LinkText     string
	NotFoundNote string
	// MaxLength ограничивает длину исходной подписи в символах.
	MaxLength int
}

func (c CaptionConfig) withDefaults() CaptionConfig {
	if c.LinkText == "" {
		c.LinkText = "🖼️ Тиць"
	}
	if c.MaxLength <= 3 {
		c.MaxLength = 1000
	}
	return c
}

// BuildCaption собирает подпись в MarkdownV2: исходный текст и ссылку на источник.
func BuildCaption(original, sourceURL string, cfg CaptionConfig) string {
	cfg = cfg.withDefaults()
	link := "[" + escape(cfg.LinkText) + "](" + escapeLinkURL(sourceURL) + ")"
	return joinCaption(original, link, cfg.MaxLength)
}

// BuildNotFoundCaption собирает подпись с пометкой, что источник не найден.
func BuildNotFoundCaption(original string, cfg CaptionConfig) string {
	cfg = cfg.withDefaults()
	return joinCaption(original, escape(cfg.NotFoundNote), cfg.MaxLength)
}

// Truncate обрезает текст до max символов, заменяя хвост многоточием.
func Truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}

func joinCaption(original, tail string, max int) string {
	original = strings.TrimSpace(original)
	if original == "" {
		return tail
	}
	return escape(Truncate(original, max)) + "\n\n" + tail
}

// escape экранирует текст для MarkdownV2. EscapeText не трогает обратную косую черту.
func escape(text string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, strings.ReplaceAll(text, `\`, `\\`))
}

// escapeLinkURL экранирует символы, запрещённые внутри (...) ссылки MarkdownV2.
func escapeLinkURL(u string) string {
	return strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace(u)
}
