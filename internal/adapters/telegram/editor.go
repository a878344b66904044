package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-source-bot/internal/infra/metrics"
)

// Editor переписывает подписи постов через Bot API.
type Editor struct {
	bot BotAPI
}

// NewEditor создаёт редактор подписей.
func NewEditor(bot BotAPI) *Editor {
	return &Editor{bot: bot}
}

// EditCaption заменяет подпись поста. Подпись передаётся в MarkdownV2.
// Ответ «message is not modified» считается успехом.
func (e *Editor) EditCaption(ctx context.Context, channelID int64, messageID int, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := tgbotapi.NewEditMessageCaption(channelID, messageID, caption)
	cfg.ParseMode = tgbotapi.ModeMarkdownV2

	start := time.Now()
	_, err := e.bot.Request(cfg)
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		err = nil
	}
	metrics.ObserveNetworkRequest("telegram_bot", "edit_caption", strconv.FormatInt(channelID, 10), start, err)
	return err
}
