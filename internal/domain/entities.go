package domain

import (
	"errors"
	"time"
)

// ChannelStatus описывает, обрабатывает ли бот посты канала.
type ChannelStatus string

const (
	ChannelActive ChannelStatus = "active"
	ChannelPaused ChannelStatus = "paused"
)

// Valid проверяет, что статус известен.
func (s ChannelStatus) Valid() bool {
	return s == ChannelActive || s == ChannelPaused
}

// Channel описывает отслеживаемый канал.
type Channel struct {
	ID           int64         `json:"id"`
	OwnerID      int64         `json:"owner_id"`
	Status       ChannelStatus `json:"status"`
	RegisteredAt time.Time     `json:"registered_at"`
	// Seq задаёт порядок добавления.
	Seq int64 `json:"seq"`
}

// Active сообщает, нужно ли обрабатывать посты канала.
func (c Channel) Active() bool {
	return c.Status == ChannelActive
}

// PasswordState описывает парольную авторизацию пользователя.
type PasswordState string

const (
	PasswordUnauthenticated PasswordState = "unauthenticated"
	PasswordVerified        PasswordState = "verified"
)

// MTProtoState описывает шаг авторизации MTProto-сессии пользователя.
type MTProtoState string

const (
	MTProtoNone          MTProtoState = "none"
	MTProtoAwaitingPhone MTProtoState = "awaiting_phone"
	MTProtoAwaitingCode  MTProtoState = "awaiting_code"
	MTProtoAwaiting2FA   MTProtoState = "awaiting_2fa"
	MTProtoEstablished   MTProtoState = "established"
)

// Pending сообщает, что авторизация начата, но не завершена.
func (s MTProtoState) Pending() bool {
	switch s {
	case MTProtoAwaitingPhone, MTProtoAwaitingCode, MTProtoAwaiting2FA:
		return true
	default:
		return false
	}
}

// PendingAuth хранит промежуточные данные авторизации. Никогда не сохраняется на диск.
type PendingAuth struct {
	Phone     string
	CodeHash  string
	StartedAt time.Time
}

// UserSession описывает состояние авторизации пользователя бота.
type UserSession struct {
	UserID    int64         `json:"user_id"`
	Password  PasswordState `json:"password"`
	MTProto   MTProtoState  `json:"mtproto"`
	Pending   *PendingAuth  `json:"-"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Verified сообщает, прошёл ли пользователь проверку пароля.
func (s UserSession) Verified() bool {
	return s.Password == PasswordVerified
}

// ImageRef ссылается на изображение в Telegram.
type ImageRef struct {
	FileID       string
	FileUniqueID string
	Size         int
	Width        int
	Height       int
}

// Image содержит загруженное изображение.
type Image struct {
	Ref  ImageRef
	Data []byte
}

// CaptionLink описывает ссылку из подписи поста вместе с текстом, к которому она привязана.
type CaptionLink struct {
	Text string
	URL  string
}

// Post описывает новый или отредактированный пост канала.
type Post struct {
	ChannelID int64
	MessageID int
	// Caption приходит без разметки. Ссылки из сущностей подписи лежат в Links.
	Caption string
	Links   []CaptionLink
	Date    time.Time
	Edited  bool
	Images  []ImageRef
}

// HasLink сообщает, ведёт ли какая-нибудь ссылка подписи на url.
func (p Post) HasLink(url string) bool {
	for _, l := range p.Links {
		if l.URL == url {
			return true
		}
	}
	return false
}

// LookupRequest описывает одну попытку найти источник одного изображения.
type LookupRequest struct {
	ID        string
	Image     Image
	ChannelID int64
	MessageID int
	OwnerID   int64
	CreatedAt time.Time
}

// ResultStatus описывает исход обращения к одному провайдеру.
type ResultStatus string

const (
	ResultFound           ResultStatus = "found"
	ResultNotFound        ResultStatus = "not_found"
	ResultError           ResultStatus = "error"
	ResultTimedOut        ResultStatus = "timed_out"
	ResultRateLimitedSkip ResultStatus = "rate_limited_skip"
	ResultDisabled        ResultStatus = "disabled"
)

// ProviderResult содержит ответ провайдера на LookupRequest.
type ProviderResult struct {
	Provider string
	Status   ResultStatus
	URL      string
	Title    string
	// Rank задаёт позицию провайдера в порядке приоритета. Меньше значит важнее.
	Rank    int
	Latency time.Duration
	Err     error
}

// Found сообщает, что провайдер нашёл источник.
func (r ProviderResult) Found() bool {
	return r.Status == ResultFound && r.URL != ""
}

// Resolution содержит итог поиска источника для одного изображения.
type Resolution struct {
	Request LookupRequest
	Best    *ProviderResult
	Results []ProviderResult
}

// Found сообщает, выбран ли источник.
func (r Resolution) Found() bool {
	return r.Best != nil
}

// ErrSecondFactorRequired возвращается MTProto-клиентом, когда аккаунт защищён облачным паролем.
var ErrSecondFactorRequired = errors.New("требуется пароль двухэтапной аутентификации")
