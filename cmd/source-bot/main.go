package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-source-bot/internal/adapters/bot"
	"tg-source-bot/internal/adapters/mtproto"
	"tg-source-bot/internal/adapters/repo"
	"tg-source-bot/internal/adapters/sources"
	"tg-source-bot/internal/adapters/telegram"
	"tg-source-bot/internal/domain"
	"tg-source-bot/internal/infra/cache"
	"tg-source-bot/internal/infra/config"
	"tg-source-bot/internal/infra/db"
	httpinfra "tg-source-bot/internal/infra/http"
	"tg-source-bot/internal/infra/log"
	"tg-source-bot/internal/infra/metrics"
	"tg-source-bot/internal/infra/ratelimit"
	"tg-source-bot/internal/usecase/auth"
	"tg-source-bot/internal/usecase/channels"
	"tg-source-bot/internal/usecase/ingest"
	"tg-source-bot/internal/usecase/resolve"
)

var errManuallyDisabled = errors.New("выключен в PROVIDERS_DISABLED")

// store объединяет все хранилища, нужные сервису.
type store interface {
	domain.ChannelRepo
	domain.SessionRepo
	domain.MTProtoSessionStore
	domain.BusinessMetricRepo
}

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, cfg.LogFile)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("TG_BOT_TOKEN не задан")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	storage, closeStorage := openStorage(ctx, cfg, logger)
	defer closeStorage()

	guard, closeGuard := openGuard(ctx, cfg, logger)
	defer closeGuard()

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	logger.Info().Str("bot", botAPI.Self.UserName).Msg("бот авторизован")

	pool := mtproto.NewPool(ctx, mtproto.Config{
		APIID:        cfg.Telegram.APIID,
		APIHash:      cfg.Telegram.APIHash,
		SourceBot:    cfg.MTProto.SourceBot,
		ReplyTimeout: cfg.MTProto.SourceTimeout,
	}, storage, logger)
	defer pool.Close()

	authService := auth.NewService(storage, pool, storage, cfg.Auth.Password, logger)
	if err := authService.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("не удалось загрузить сессии пользователей")
	}
	channelService := channels.NewService(storage, authService, storage, logger)
	if err := channelService.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("не удалось загрузить каналы")
	}

	limiter := ratelimit.New(ratelimit.RealClock(), map[string]ratelimit.Bucket{
		sources.NameE621:        {Burst: cfg.Rates.E621Burst, Every: cfg.Rates.E621Every},
		sources.NameFurAffinity: {Burst: cfg.Rates.FurAffinityBurst, Every: cfg.Rates.FurAffinityEvery},
		sources.NameTwitter:     {Burst: cfg.Rates.TwitterBurst, Every: cfg.Rates.TwitterEvery},
		sources.NameBluesky:     {Burst: cfg.Rates.BlueskyBurst, Every: cfg.Rates.BlueskyEvery},
	})
	orchestrator := resolve.New(buildProviders(cfg, pool, logger), limiter, resolve.Config{
		Priority: cfg.Providers.Priority,
		Deadline: cfg.Providers.LookupDeadline,
	}, logger)

	listener := ingest.NewListener(ingest.Deps{
		Channels: channelService,
		Auth:     authService,
		Fetcher:  telegram.NewFetcher(botAPI, cfg.Telegram.Token, cfg.Ingest.MaxFileBytes),
		Resolver: orchestrator,
		Editor:   telegram.NewEditor(botAPI),
		Guard:    guard,
		Events:   storage,
	}, ingest.Config{
		Caption: ingest.CaptionConfig{
			LinkText:     cfg.Caption.LinkText,
			NotFoundNote: cfg.Caption.NotFoundNote,
			MaxLength:    cfg.Caption.MaxLength,
		},
		GuardTTL:  cfg.Ingest.GuardTTL,
		StartedAt: time.Now(),
	}, logger)

	handler := bot.NewHandler(botAPI, botAPI.Self.ID, logger, authService, channelService, listener)
	router := newUpdateRouter(handler, listener, cfg.Ingest.Concurrency, logger)

	srv := httpinfra.NewServer(logger)
	if cfg.Telegram.WebhookURL != "" {
		secret, generated := httpinfra.EnsureWebhookSecret(cfg.Telegram.WebhookSecret)
		if generated {
			logger.Warn().Msg("TG_WEBHOOK_SECRET не задан, секрет вебхука сгенерирован на время запуска")
		}
		srv.Router.With(httpinfra.WebhookSecretMiddleware(secret)).
			Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
				var update tgbotapi.Update
				if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
					httpinfra.WriteError(w, http.StatusBadRequest, err)
					return
				}
				router.Dispatch(ctx, update)
				w.WriteHeader(http.StatusOK)
			})
		if err := setWebhook(botAPI, cfg.Telegram.WebhookURL, secret); err != nil {
			logger.Fatal().Err(err).Msg("не удалось установить вебхук")
		}
		logger.Info().Str("url", cfg.Telegram.WebhookURL).Msg("апдейты принимаются через вебхук")
	} else {
		go poll(ctx, botAPI, router, logger)
	}

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("остановка бота")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	router.Wait(shutdownCtx)
}

func openStorage(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (store, func()) {
	if cfg.PGDSN != "" {
		pool, err := db.Connect(ctx, cfg.PGDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
		}
		logger.Info().Msg("состояние хранится в Postgres")
		return repo.NewPostgres(pool), pool.Close
	}
	files, err := repo.NewFileStore(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("не удалось открыть каталог данных")
	}
	logger.Info().Str("dir", cfg.DataDir).Msg("состояние хранится в файлах")
	return files, func() {}
}

func openGuard(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (domain.EditGuard, func()) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	guard := cache.NewRedis(client, "tg-source-bot:")
	if err := guard.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к Redis")
	}
	return guard, func() { _ = client.Close() }
}

func buildProviders(cfg config.AppConfig, pool *mtproto.Pool, logger zerolog.Logger) []domain.Provider {
	var providers []domain.Provider
	add := func(name string, build func() (domain.Provider, error)) {
		if cfg.ProviderDisabled(name) {
			providers = append(providers, sources.NewDisabled(name, errManuallyDisabled))
			logger.Warn().Str("provider", name).Msg("провайдер выключен конфигурацией")
			return
		}
		p, err := build()
		if err != nil {
			providers = append(providers, sources.NewDisabled(name, err))
			logger.Warn().Err(err).Str("provider", name).Msg("провайдер выключен")
			return
		}
		providers = append(providers, p)
	}

	search := sources.NewBotSearch(pool, time.Minute)
	// Без ключей API ссылки e621 и FurAffinity берутся из ответа бота поиска.
	withBotFallback := func(name string, fromBot func(*sources.BotSearch) *sources.BotLinkProvider, build func() (domain.Provider, error)) func() (domain.Provider, error) {
		return func() (domain.Provider, error) {
			p, err := build()
			if errors.Is(err, sources.ErrMissingCredentials) && pool.Configured() {
				logger.Info().Str("provider", name).Msg("нет ключей API, ссылки берутся из ответа бота поиска")
				return fromBot(search), nil
			}
			return p, err
		}
	}

	add(sources.NameE621, withBotFallback(sources.NameE621, sources.NewE621FromBot, func() (domain.Provider, error) {
		return sources.NewE621(sources.E621Config{
			Login:     cfg.Providers.E621Login,
			APIKey:    cfg.Providers.E621APIKey,
			UserAgent: cfg.Providers.UserAgent,
			MinScore:  cfg.Providers.E621MinScore,
		})
	}))
	add(sources.NameFurAffinity, withBotFallback(sources.NameFurAffinity, sources.NewFurAffinityFromBot, func() (domain.Provider, error) {
		return sources.NewFurAffinity(sources.FurAffinityConfig{
			APIKey:      cfg.Providers.FuzzySearchAPIKey,
			UserAgent:   cfg.Providers.UserAgent,
			MaxDistance: cfg.Providers.FAMaxDistance,
			FetchTitle:  cfg.Providers.FAFetchTitle,
		}, logger)
	}))

	add(sources.NameTwitter, func() (domain.Provider, error) {
		if !pool.Configured() {
			return nil, fmt.Errorf("twitter: %w", sources.ErrMissingCredentials)
		}
		return sources.NewTwitter(search), nil
	})
	add(sources.NameBluesky, func() (domain.Provider, error) {
		if !pool.Configured() {
			return nil, fmt.Errorf("bluesky: %w", sources.ErrMissingCredentials)
		}
		return sources.NewBluesky(search), nil
	})
	return providers
}

func setWebhook(botAPI *tgbotapi.BotAPI, url, secret string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	params.AddNonEmpty("allowed_updates", `["message","callback_query","channel_post","edited_channel_post"]`)
	start := time.Now()
	_, err := botAPI.MakeRequest("setWebhook", params)
	metrics.ObserveNetworkRequest("telegram_bot", "set_webhook", "telegram", start, err)
	return err
}

func poll(ctx context.Context, botAPI *tgbotapi.BotAPI, router *updateRouter, logger zerolog.Logger) {
	if _, err := botAPI.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		logger.Warn().Err(err).Msg("не удалось снять вебхук")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "callback_query", "channel_post", "edited_channel_post"}
	updates := botAPI.GetUpdatesChan(u)
	logger.Info().Msg("апдейты принимаются через long polling")

	for {
		select {
		case <-ctx.Done():
			botAPI.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			router.Dispatch(ctx, update)
		}
	}
}

var _ store = (*repo.Postgres)(nil)
var _ store = (*repo.FileStore)(nil)
