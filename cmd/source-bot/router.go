package main

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-source-bot/internal/adapters/bot"
	"tg-source-bot/internal/adapters/telegram"
	"tg-source-bot/internal/usecase/ingest"
)

// updateRouter раздаёт апдейты: посты каналов в обработчик постов, остальное в команды.
// Одновременно обрабатывается не больше limit апдейтов.
type updateRouter struct {
	handler  *bot.Handler
	listener *ingest.Listener
	sem      chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

func newUpdateRouter(handler *bot.Handler, listener *ingest.Listener, limit int, logger zerolog.Logger) *updateRouter {
	if limit <= 0 {
		limit = 8
	}
	return &updateRouter{handler: handler, listener: listener, sem: make(chan struct{}, limit), logger: logger}
}

// Dispatch запускает обработку апдейта, ожидая свободный слот.
func (r *updateRouter) Dispatch(ctx context.Context, upd tgbotapi.Update) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().Interface("panic", rec).Int("update", upd.UpdateID).Msg("паника при обработке апдейта")
			}
		}()

		if post, ok := telegram.PostFromUpdate(upd); ok {
			r.listener.OnPost(ctx, post)
			return
		}
		r.handler.HandleUpdate(ctx, upd)
	}()
}

// Wait ждёт завершения запущенных обработчиков или окончания ctx.
func (r *updateRouter) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
