package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-source-bot/internal/domain"
	"tg-source-bot/internal/infra/metrics"
)

// ErrNotAuthorized возвращается, если у пользователя нет рабочей MTProto-сессии.
var ErrNotAuthorized = errors.New("MTProto-сессия не авторизована")

// Config настраивает MTProto-клиентов.
type Config struct {
	APIID     int
	APIHash   string
	SourceBot string
	// ReplyTimeout задаёт, сколько ждать ответа бота поиска источников.
	ReplyTimeout time.Duration
}

// userClient держит запущенный клиент gotd одного пользователя.
type userClient struct {
	client *telegram.Client
	api    *tg.Client
	stop   context.CancelFunc
	done   chan struct{}

	// askMu разрешает одновременно только один запрос к боту.
	askMu   sync.Mutex
	mu      sync.Mutex
	waiting int
	botID   int64
	replies chan botReply
}

type botReply struct {
	replyTo int
	text    string
}

// Pool держит по одному клиенту gotd на пользователя. Реализует
// domain.MTProtoAuthenticator и domain.SourceBot.
type Pool struct {
	cfg    Config
	store  domain.MTProtoSessionStore
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[int64]*userClient
	base    context.Context
}

var (
	_ domain.MTProtoAuthenticator = (*Pool)(nil)
	_ domain.SourceBot            = (*Pool)(nil)
)

// NewPool создаёт пул. Клиенты живут, пока не отменён ctx.
func NewPool(ctx context.Context, cfg Config, store domain.MTProtoSessionStore, logger zerolog.Logger) *Pool {
	if cfg.SourceBot == "" {
		cfg.SourceBot = "FindFurryPicBot"
	}
	cfg.SourceBot = strings.TrimPrefix(cfg.SourceBot, "@")
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 8 * time.Second
	}
	return &Pool{cfg: cfg, store: store, logger: logger, clients: make(map[int64]*userClient), base: ctx}
}

// Configured сообщает, заданы ли ключи приложения Telegram.
func (p *Pool) Configured() bool {
	return p.cfg.APIID != 0 && p.cfg.APIHash != ""
}

// SendCode запрашивает код подтверждения для номера.
func (p *Pool) SendCode(ctx context.Context, userID int64, phone string) (string, error) {
	uc, err := p.get(ctx, userID)
	if err != nil {
		return "", err
	}
	start := time.Now()
	sent, err := uc.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	metrics.ObserveNetworkRequest("mtproto", "send_code", "auth", start, err)
	if err != nil {
		return "", fmt.Errorf("mtproto: отправка кода: %w", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("mtproto: неожиданный ответ %T", sent)
	}
	return code.PhoneCodeHash, nil
}

// SignIn входит по коду подтверждения.
func (p *Pool) SignIn(ctx context.Context, userID int64, phone, code, codeHash string) error {
	uc, err := p.get(ctx, userID)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = uc.client.Auth().SignIn(ctx, phone, code, codeHash)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		metrics.ObserveNetworkRequest("mtproto", "sign_in", "auth", start, nil)
		return domain.ErrSecondFactorRequired
	}
	metrics.ObserveNetworkRequest("mtproto", "sign_in", "auth", start, err)
	if err != nil {
		return fmt.Errorf("mtproto: вход по коду: %w", err)
	}
	return nil
}

// CheckPassword входит облачным паролем.
func (p *Pool) CheckPassword(ctx context.Context, userID int64, password string) error {
	uc, err := p.get(ctx, userID)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = uc.client.Auth().Password(ctx, password)
	metrics.ObserveNetworkRequest("mtproto", "password", "auth", start, err)
	if err != nil {
		return fmt.Errorf("mtproto: проверка облачного пароля: %w", err)
	}
	return nil
}

// Abort останавливает клиента незавершённого входа и удаляет его сессию.
func (p *Pool) Abort(userID int64) {
	p.mu.Lock()
	uc, ok := p.clients[userID]
	delete(p.clients, userID)
	p.mu.Unlock()
	if ok {
		uc.stop()
		<-uc.done
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.DeleteMTProtoSession(ctx, SessionName(userID)); err != nil {
		p.logger.Warn().Err(err).Int64("user", userID).Msg("mtproto: не удалось удалить сессию")
	}
}

// Close останавливает всех клиентов.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[int64]*userClient)
	p.mu.Unlock()
	for _, uc := range clients {
		uc.stop()
		<-uc.done
	}
}

// get возвращает запущенного клиента пользователя, при необходимости запуская его.
func (p *Pool) get(ctx context.Context, userID int64) (*userClient, error) {
	if !p.Configured() {
		return nil, errors.New("mtproto: не заданы TG_API_ID и TG_API_HASH")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if uc, ok := p.clients[userID]; ok {
		select {
		case <-uc.done:
			delete(p.clients, userID)
		default:
			return uc, nil
		}
	}

	uc := &userClient{done: make(chan struct{}), replies: make(chan botReply, 4)}
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok || msg.Out {
			return nil
		}
		peer, ok := msg.PeerID.(*tg.PeerUser)
		if !ok {
			return nil
		}
		if user, ok := e.Users[peer.UserID]; ok && strings.EqualFold(user.Username, p.cfg.SourceBot) {
			uc.setBotID(user.ID)
		}
		uc.deliver(peer.UserID, replyToID(msg.ReplyTo), renderMessage(msg.Message, msg.Entities, msg.ReplyMarkup))
		return nil
	})
	handler := telegram.UpdateHandlerFunc(func(ctx context.Context, u tg.UpdatesClass) error {
		if short, ok := u.(*tg.UpdateShortMessage); ok {
			if !short.Out {
				uc.deliver(short.UserID, replyToID(short.ReplyTo), renderMessage(short.Message, short.Entities, nil))
			}
			return nil
		}
		return dispatcher.Handle(ctx, u)
	})

	uc.client = telegram.NewClient(p.cfg.APIID, p.cfg.APIHash, telegram.Options{
		SessionStorage: &userStorage{store: p.store, name: SessionName(userID)},
		UpdateHandler:  handler,
	})
	runCtx, cancel := context.WithCancel(p.base)
	uc.stop = cancel

	ready := make(chan struct{})
	runErr := make(chan error, 1)
	go func() {
		defer close(uc.done)
		err := uc.client.Run(runCtx, func(ctx context.Context) error {
			uc.api = uc.client.API()
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn().Err(err).Int64("user", userID).Msg("mtproto: клиент остановлен")
		}
		runErr <- err
	}()

	select {
	case <-ready:
		p.clients[userID] = uc
		p.logger.Debug().Int64("user", userID).Msg("mtproto: клиент запущен")
		return uc, nil
	case err := <-runErr:
		cancel()
		return nil, fmt.Errorf("mtproto: запуск клиента: %w", err)
	case <-ctx.Done():
		cancel()
		<-uc.done
		return nil, ctx.Err()
	}
}

func (uc *userClient) setBotID(id int64) {
	uc.mu.Lock()
	uc.botID = id
	uc.mu.Unlock()
}

// deliver передаёт ответ бота ожидающему запросу. Сообщения от других собеседников отбрасываются.
func (uc *userClient) deliver(fromID int64, replyTo int, text string) {
	uc.mu.Lock()
	botID, waiting := uc.botID, uc.waiting
	uc.mu.Unlock()
	if waiting == 0 || botID == 0 || fromID != botID || text == "" {
		return
	}
	select {
	case uc.replies <- botReply{replyTo: replyTo, text: text}:
	default:
	}
}

func replyToID(header tg.MessageReplyHeaderClass) int {
	if h, ok := header.(*tg.MessageReplyHeader); ok {
		return h.ReplyToMsgID
	}
	return 0
}

// renderMessage добавляет к тексту ссылки из сущностей и кнопок в виде markdown.
func renderMessage(text string, entities []tg.MessageEntityClass, markup tg.ReplyMarkupClass) string {
	var b strings.Builder
	b.WriteString(text)
	units := toUTF16(text)
	for _, e := range entities {
		if link, ok := e.(*tg.MessageEntityTextURL); ok {
			b.WriteString("\n[" + units.slice(link.Offset, link.Length) + "](" + link.URL + ")")
		}
	}
	if inline, ok := markup.(*tg.ReplyInlineMarkup); ok {
		for _, row := range inline.Rows {
			for _, button := range row.Buttons {
				if btn, ok := button.(*tg.KeyboardButtonURL); ok {
					b.WriteString("\n[" + btn.Text + "](" + btn.URL + ")")
				}
			}
		}
	}
	return b.String()
}

type utf16Text []uint16

func toUTF16(text string) utf16Text {
	return utf16.Encode([]rune(text))
}

// slice вырезает фрагмент по смещениям Telegram, которые считаются в единицах UTF-16.
func (t utf16Text) slice(offset, length int) string {
	if offset < 0 || length <= 0 || offset >= len(t) {
		return ""
	}
	end := offset + length
	if end > len(t) {
		end = len(t)
	}
	return string(utf16.Decode(t[offset:end]))
}
