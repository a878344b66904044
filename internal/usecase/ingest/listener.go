package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tg-source-bot/internal/domain"
	"tg-source-bot/internal/infra/metrics"
)

// Outcome описывает наблюдаемый исход обработки поста.
type Outcome string

const (
	OutcomeGlobalPause    Outcome = "skipped_global_pause"
	OutcomeUnknownChannel Outcome = "skipped_unknown_channel"
	OutcomePausedChannel  Outcome = "skipped_paused_channel"
	OutcomeNoLookupRights Outcome = "skipped_no_lookup_rights"
	OutcomeStale          Outcome = "skipped_stale"
	OutcomeNoImages       Outcome = "skipped_no_images"
	OutcomeDuplicate      Outcome = "skipped_duplicate"
	OutcomeAttributed     Outcome = "attributed"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeFailed         Outcome = "failed"
)

// Config настраивает обработку постов.
type Config struct {
	Caption CaptionConfig
	// GuardTTL задаёт, сколько помнить о сделанной правке.
	GuardTTL time.Duration
	// Новые посты старше StartedAt пропускаются.
	StartedAt time.Time
}

// Deps содержит зависимости обработчика постов.
type Deps struct {
	Channels domain.ChannelDirectory
	Auth     domain.LookupAuthorizer
	Fetcher  domain.ImageFetcher
	Resolver domain.Resolver
	Editor   domain.CaptionEditor
	Guard    domain.EditGuard
	Events   domain.BusinessMetricRepo
}

// Listener обрабатывает посты каналов: ищет источник и дописывает его в подпись ровно один раз.
type Listener struct {
	deps   Deps
	cfg    Config
	paused atomic.Bool
	locks  *keyedMutex
	logger zerolog.Logger
}

// NewListener создаёт обработчик постов.
func NewListener(deps Deps, cfg Config, logger zerolog.Logger) *Listener {
	cfg.Caption = cfg.Caption.withDefaults()
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = 7 * 24 * time.Hour
	}
	return &Listener{deps: deps, cfg: cfg, locks: newKeyedMutex(), logger: logger}
}

// SetPaused включает или выключает глобальную паузу.
func (l *Listener) SetPaused(paused bool) {
	l.paused.Store(paused)
	l.logger.Info().Bool("paused", paused).Msg("ingest: глобальная пауза изменена")
}

// TogglePause переключает глобальную паузу и возвращает новое значение.
func (l *Listener) TogglePause() bool {
	for {
		old := l.paused.Load()
		if l.paused.CompareAndSwap(old, !old) {
			l.logger.Info().Bool("paused", !old).Msg("ingest: глобальная пауза изменена")
			return !old
		}
	}
}

// Paused сообщает, стоит ли обработка на паузе.
func (l *Listener) Paused() bool {
	return l.paused.Load()
}

// OnPost обрабатывает новый или отредактированный пост канала.
func (l *Listener) OnPost(ctx context.Context, post domain.Post) Outcome {
	outcome := l.handle(ctx, post)
	metrics.IncIngestOutcome(string(outcome))
	l.logger.Debug().
		Int64("channel", post.ChannelID).
		Int("message", post.MessageID).
		Bool("edited", post.Edited).
		Str("outcome", string(outcome)).
		Msg("ingest: пост обработан")
	return outcome
}

func (l *Listener) handle(ctx context.Context, post domain.Post) Outcome {
	if l.paused.Load() {
		return OutcomeGlobalPause
	}
	ch, err := l.deps.Channels.Get(post.ChannelID)
	if err != nil {
		return OutcomeUnknownChannel
	}
	if !ch.Active() {
		return OutcomePausedChannel
	}
	if !l.deps.Auth.CanRunLookup(ch.OwnerID) {
		return OutcomeNoLookupRights
	}
	if !post.Edited && !l.cfg.StartedAt.IsZero() && post.Date.Before(l.cfg.StartedAt) {
		return OutcomeStale
	}
	if len(post.Images) == 0 {
		return OutcomeNoImages
	}
	if l.attributed(post) {
		return OutcomeDuplicate
	}

	key := guardKey(post.ChannelID, post.MessageID)
	unlock := l.locks.Lock(key)
	defer unlock()

	seen, err := l.deps.Guard.Seen(ctx, key)
	if err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("ingest: не удалось проверить правку")
		return OutcomeFailed
	}
	if seen {
		return OutcomeDuplicate
	}

	best, resolved := l.resolve(ctx, post, ch)
	if best == nil {
		if resolved == 0 {
			return OutcomeFailed
		}
		if l.cfg.Caption.NotFoundNote == "" || strings.Contains(post.Caption, l.cfg.Caption.NotFoundNote) {
			return OutcomeNotFound
		}
		return l.edit(ctx, key, post, BuildNotFoundCaption(post.Caption, l.cfg.Caption), OutcomeNotFound)
	}
	if post.HasLink(best.URL) || strings.Contains(post.Caption, best.URL) {
		return OutcomeDuplicate
	}
	outcome := l.edit(ctx, key, post, BuildCaption(post.Caption, best.URL, l.cfg.Caption), OutcomeAttributed)
	if outcome == OutcomeAttributed {
		l.logger.Info().
			Int64("channel", post.ChannelID).
			Int("message", post.MessageID).
			Str("provider", best.Provider).
			Str("url", best.URL).
			Str("title", best.Title).
			Msg("ingest: источник добавлен")
		l.record(ctx, ch, best)
	}
	return outcome
}

// resolve перебирает изображения по порядку до первого найденного источника.
// Возвращает число изображений, которые удалось скачать и проверить.
func (l *Listener) resolve(ctx context.Context, post domain.Post, ch domain.Channel) (*domain.ProviderResult, int) {
	resolved := 0
	for _, ref := range post.Images {
		image, err := l.deps.Fetcher.Fetch(ctx, ref)
		if err != nil {
			l.logger.Warn().Err(err).Int64("channel", post.ChannelID).Int("message", post.MessageID).Msg("ingest: не удалось скачать изображение")
			continue
		}
		resolved++
		res := l.deps.Resolver.Resolve(ctx, domain.LookupRequest{
			Image:     image,
			ChannelID: post.ChannelID,
			MessageID: post.MessageID,
			OwnerID:   ch.OwnerID,
			CreatedAt: time.Now(),
		})
		if res.Found() {
			return res.Best, resolved
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, resolved
}

func (l *Listener) edit(ctx context.Context, key string, post domain.Post, caption string, success Outcome) Outcome {
	claimed, err := l.deps.Guard.Claim(ctx, key, l.cfg.GuardTTL)
	if err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("ingest: не удалось заявить правку")
		return OutcomeFailed
	}
	if !claimed {
		return OutcomeDuplicate
	}
	if err := l.deps.Editor.EditCaption(ctx, post.ChannelID, post.MessageID, caption); err != nil {
		metrics.IncCaptionEdit("error")
		l.logger.Error().Err(err).Int64("channel", post.ChannelID).Int("message", post.MessageID).Msg("ingest: не удалось изменить подпись")
		if rerr := l.deps.Guard.Release(context.WithoutCancel(ctx), key); rerr != nil {
			l.logger.Error().Err(rerr).Str("key", key).Msg("ingest: не удалось снять заявку правки")
		}
		return OutcomeFailed
	}
	metrics.IncCaptionEdit("success")
	return success
}

func (l *Listener) record(ctx context.Context, ch domain.Channel, best *domain.ProviderResult) {
	if l.deps.Events == nil {
		return
	}
	owner, channel := ch.OwnerID, ch.ID
	err := l.deps.Events.RecordBusinessMetric(ctx, domain.BusinessMetric{
		Event:      domain.BusinessMetricEventSourceAttributed,
		UserID:     &owner,
		ChannelID:  &channel,
		Metadata:   metricMetadata(best),
		OccurredAt: time.Now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error().Err(err).Str("event", domain.BusinessMetricEventSourceAttributed).Msg("ingest: не удалось сохранить бизнес-метрику")
	}
}

func metricMetadata(best *domain.ProviderResult) map[string]any {
	meta := map[string]any{"provider": best.Provider, "url": best.URL}
	if best.Title != "" {
		meta["title"] = best.Title
	}
	return meta
}

// attributed сообщает, что бот уже подписал пост: ссылка с нашим текстом
// есть в сущностях подписи или последней строкой стоит текст ссылки.
func (l *Listener) attributed(post domain.Post) bool {
	for _, link := range post.Links {
		if strings.HasPrefix(link.Text, l.cfg.Caption.LinkText) {
			return true
		}
	}
	caption := strings.TrimSpace(post.Caption)
	return strings.HasSuffix(caption, "\n\n"+l.cfg.Caption.LinkText)
}

func guardKey(channelID int64, messageID int) string {
	return fmt.Sprintf("caption:%d:%d", channelID, messageID)
}
