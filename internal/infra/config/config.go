package config

import (
	"log"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервиса.
type AppConfig struct {
	AppEnv  string `envconfig:"APP_ENV" default:"dev"`
	LogFile string `envconfig:"LOG_FILE"`
	Port    int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token         string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL    string `envconfig:"TG_WEBHOOK_URL"`
		WebhookSecret string `envconfig:"TG_WEBHOOK_SECRET"`
		APIID         int    `envconfig:"TG_API_ID"`
		APIHash       string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	MTProto struct {
		SourceBot     string        `envconfig:"SOURCE_BOT_USERNAME" default:"FindFurryPicBot"`
		SourceTimeout time.Duration `envconfig:"SOURCE_BOT_TIMEOUT" default:"8s"`
	} `envconfig:""`

	Auth struct {
		Password string `envconfig:"BOT_PASSWORD"`
	} `envconfig:""`

	Providers struct {
		Priority       []string      `envconfig:"PROVIDER_PRIORITY" default:"e621,furaffinity,twitter,bluesky"`
		Disabled       []string      `envconfig:"PROVIDERS_DISABLED"`
		LookupDeadline time.Duration `envconfig:"LOOKUP_DEADLINE" default:"15s"`
		UserAgent      string        `envconfig:"PROVIDER_USER_AGENT" default:"tg-source-bot/1.0"`

		E621Login    string `envconfig:"E621_LOGIN"`
		E621APIKey   string `envconfig:"E621_API_KEY"`
		E621MinScore int    `envconfig:"E621_MIN_SCORE" default:"80"`

		FuzzySearchAPIKey string `envconfig:"FUZZYSEARCH_API_KEY"`
		FAMaxDistance     int    `envconfig:"FA_MAX_DISTANCE" default:"3"`
		FAFetchTitle      bool   `envconfig:"FA_FETCH_TITLE" default:"true"`
	} `envconfig:""`

	Rates struct {
		E621Burst        int           `envconfig:"RATE_E621_BURST" default:"2"`
		E621Every        time.Duration `envconfig:"RATE_E621_EVERY" default:"1s"`
		FurAffinityBurst int           `envconfig:"RATE_FURAFFINITY_BURST" default:"1"`
		FurAffinityEvery time.Duration `envconfig:"RATE_FURAFFINITY_EVERY" default:"2s"`
		TwitterBurst     int           `envconfig:"RATE_TWITTER_BURST" default:"1"`
		TwitterEvery     time.Duration `envconfig:"RATE_TWITTER_EVERY" default:"2s"`
		BlueskyBurst     int           `envconfig:"RATE_BLUESKY_BURST" default:"1"`
		BlueskyEvery     time.Duration `envconfig:"RATE_BLUESKY_EVERY" default:"2s"`
	} `envconfig:""`

	Caption struct {
		LinkText     string `envconfig:"CAPTION_LINK_TEXT" default:"🖼️ Тиць"`
		NotFoundNote string `envconfig:"CAPTION_NOT_FOUND_NOTE" default:"Будемо раді, якщо ви знайдете художника 👀"`
		MaxLength    int    `envconfig:"CAPTION_MAX_LENGTH" default:"1000"`
	} `envconfig:""`

	Ingest struct {
		Concurrency  int           `envconfig:"INGEST_CONCURRENCY" default:"8"`
		GuardTTL     time.Duration `envconfig:"EDIT_GUARD_TTL" default:"168h"`
		MaxFileBytes int           `envconfig:"MAX_FILE_SIZE" default:"5242880"`
	} `envconfig:""`

	PGDSN     string `envconfig:"PG_DSN"`
	DataDir   string `envconfig:"DATA_DIR" default:"data"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	cfg.Providers.Priority = normalizeNames(cfg.Providers.Priority)
	cfg.Providers.Disabled = normalizeNames(cfg.Providers.Disabled)
	return cfg
}

// ProviderDisabled сообщает, выключен ли провайдер вручную.
func (c AppConfig) ProviderDisabled(name string) bool {
	for _, disabled := range c.Providers.Disabled {
		if disabled == name {
			return true
		}
	}
	return false
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
