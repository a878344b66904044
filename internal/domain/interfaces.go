package domain

import (
	"context"
	"time"
)

// ChannelRepo хранит зарегистрированные каналы.
type ChannelRepo interface {
	LoadChannels(ctx context.Context) ([]Channel, error)
	SaveChannel(ctx context.Context, channel Channel) error
	DeleteChannel(ctx context.Context, channelID int64) error
}

// SessionRepo хранит состояние авторизации пользователей.
type SessionRepo interface {
	LoadSessions(ctx context.Context) ([]UserSession, error)
	SaveSession(ctx context.Context, session UserSession) error
}

// MTProtoSessionStore хранит бинарные MTProto-сессии по имени.
type MTProtoSessionStore interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
	DeleteMTProtoSession(ctx context.Context, name string) error
}

// Provider ищет источник изображения на одной платформе.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, image Image) ProviderResult
}

// Resolver выбирает лучший источник среди провайдеров.
type Resolver interface {
	Resolve(ctx context.Context, req LookupRequest) Resolution
}

// ImageFetcher загружает изображение по ссылке Telegram.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref ImageRef) (Image, error)
}

// CaptionEditor переписывает подпись поста в канале.
type CaptionEditor interface {
	EditCaption(ctx context.Context, channelID int64, messageID int, caption string) error
}

// EditGuard гарантирует не более одной правки подписи на сообщение.
type EditGuard interface {
	// Seen сообщает, была ли правка уже заявлена.
	Seen(ctx context.Context, key string) (bool, error)
	// Claim заявляет правку. Возвращает false, если ключ уже занят.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release снимает заявку после неудачной правки.
	Release(ctx context.Context, key string) error
}

// LookupAuthorizer решает, можно ли искать источники от имени пользователя.
type LookupAuthorizer interface {
	CanRunLookup(userID int64) bool
}

// ChannelDirectory отдаёт канал по идентификатору.
type ChannelDirectory interface {
	Get(channelID int64) (Channel, error)
}

// MTProtoAuthenticator выполняет сетевую часть авторизации MTProto.
type MTProtoAuthenticator interface {
	// SendCode запрашивает код подтверждения и возвращает phone_code_hash.
	SendCode(ctx context.Context, userID int64, phone string) (string, error)
	// SignIn завершает вход по коду. Возвращает ErrSecondFactorRequired, если нужен облачный пароль.
	SignIn(ctx context.Context, userID int64, phone, code, codeHash string) error
	// CheckPassword завершает вход облачным паролем.
	CheckPassword(ctx context.Context, userID int64, password string) error
	// Abort закрывает незавершённую попытку входа.
	Abort(userID int64)
}

// SourceBot отправляет изображение боту поиска источников и возвращает текст ответа.
type SourceBot interface {
	Ask(ctx context.Context, userID int64, image Image) (string, error)
}
