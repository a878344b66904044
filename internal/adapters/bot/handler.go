package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-source-bot/internal/adapters/telegram"
	"tg-source-bot/internal/domain"
	"tg-source-bot/internal/infra/metrics"
	"tg-source-bot/internal/usecase/auth"
	"tg-source-bot/internal/usecase/channels"
)

// AuthService описывает операции авторизации, доступные из чата.
type AuthService interface {
	State(userID int64) domain.UserSession
	SubmitPassword(ctx context.Context, userID int64, candidate string) error
	StartAuthentication(ctx context.Context, userID int64) error
	SubmitPhone(ctx context.Context, userID int64, phone string) error
	SubmitCode(ctx context.Context, userID int64, code string) error
	SubmitSecondFactor(ctx context.Context, userID int64, password string) error
	Cancel(ctx context.Context, userID int64) error
}

// ChannelService описывает операции реестра каналов, доступные из чата.
type ChannelService interface {
	Register(ctx context.Context, channelID, ownerID int64) (domain.Channel, error)
	Unregister(ctx context.Context, channelID, ownerID int64) error
	SetStatus(ctx context.Context, channelID, ownerID int64, status domain.ChannelStatus) (domain.Channel, error)
	List(ownerID int64) []domain.Channel
}

// PauseSwitch управляет глобальной паузой обработки постов.
type PauseSwitch interface {
	TogglePause() bool
	Paused() bool
}

// Handler переводит команды из личного чата в вызовы сервисов.
type Handler struct {
	bot       telegram.BotAPI
	botID     int64
	log       zerolog.Logger
	authUC    AuthService
	channelUC ChannelService
	pause     PauseSwitch
}

// NewHandler создаёт обработчик. botID нужен для проверки прав бота в канале.
func NewHandler(bot telegram.BotAPI, botID int64, log zerolog.Logger, authUC AuthService, channelUC ChannelService, pause PauseSwitch) *Handler {
	return &Handler{
		bot:       bot,
		botID:     botID,
		log:       log,
		authUC:    authUC,
		channelUC: channelUC,
		pause:     pause,
	}
}

// HandleUpdate обрабатывает входящий апдейт из личного чата.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || !msg.Chat.IsPrivate() || msg.From == nil {
		return
	}
	chatID, userID := msg.Chat.ID, msg.From.ID
	text := strings.TrimSpace(msg.Text)

	if !strings.HasPrefix(text, "/") {
		h.handleDialogInput(ctx, msg, text)
		return
	}
	cmd, args := splitCommand(text)
	switch cmd {
	case "/start":
		h.reply(chatID, h.buildStartMessage(userID), nil)
	case "/help":
		h.reply(chatID, buildHelpMessage(), nil)
	case "/password":
		h.handlePassword(ctx, msg, args)
	case "/authenticate":
		h.handleAuthenticate(ctx, chatID, userID)
	case "/cancel":
		h.handleCancel(ctx, chatID, userID)
	case "/add_channel":
		h.handleAddChannel(ctx, chatID, userID, args)
	case "/delete_channel":
		h.withChannelID(chatID, args, "/delete_channel", func(id int64) {
			if h.requireVerified(chatID, userID) {
				h.handleDeleteChannel(ctx, chatID, userID, id)
			}
		})
	case "/list_channels":
		if h.requireVerified(chatID, userID) {
			h.handleList(chatID, userID)
		}
	case "/stop":
		h.withChannelID(chatID, args, "/stop", func(id int64) {
			if h.requireVerified(chatID, userID) {
				h.handleSetStatus(ctx, chatID, userID, id, domain.ChannelPaused)
			}
		})
	case "/resume":
		h.withChannelID(chatID, args, "/resume", func(id int64) {
			if h.requireVerified(chatID, userID) {
				h.handleSetStatus(ctx, chatID, userID, id, domain.ChannelActive)
			}
		})
	case "/pause":
		if h.requireVerified(chatID, userID) {
			h.handlePause(chatID)
		}
	default:
		h.reply(chatID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) handlePassword(ctx context.Context, msg *tgbotapi.Message, candidate string) {
	chatID, userID := msg.Chat.ID, msg.From.ID
	if candidate == "" {
		h.reply(chatID, "Отправьте /password <пароль>", nil)
		return
	}
	h.deleteMessage(chatID, msg.MessageID)

	err := h.authUC.SubmitPassword(ctx, userID, candidate)
	switch {
	case err == nil:
		h.reply(chatID, "Пароль принят. Теперь можно добавлять каналы, а для поиска источников выполните /authenticate", nil)
	case errors.Is(err, auth.ErrWrongPassword):
		h.reply(chatID, "Неверный пароль", nil)
	default:
		h.log.Error().Err(err).Int64("user", userID).Msg("bot: проверка пароля")
		h.reply(chatID, fmt.Sprintf("Не удалось проверить пароль: %v", err), nil)
	}
}

func (h *Handler) handleAuthenticate(ctx context.Context, chatID, userID int64) {
	err := h.authUC.StartAuthentication(ctx, userID)
	switch {
	case err == nil:
		h.reply(chatID, "Отправьте номер телефона аккаунта Telegram в международном формате, например +79991234567. Для отмены: /cancel", nil)
	case errors.Is(err, auth.ErrNotVerified):
		h.reply(chatID, "Сначала введите пароль: /password <пароль>", nil)
	case errors.Is(err, auth.ErrAlreadyEstablished):
		h.reply(chatID, "Сессия уже установлена", nil)
	case errors.Is(err, auth.ErrAuthInProgress):
		h.reply(chatID, "Авторизация уже идёт. Продолжите её или отправьте /cancel", nil)
	default:
		h.reply(chatID, fmt.Sprintf("Не удалось начать авторизацию: %v", err), nil)
	}
}

func (h *Handler) handleCancel(ctx context.Context, chatID, userID int64) {
	err := h.authUC.Cancel(ctx, userID)
	switch {
	case err == nil:
		h.reply(chatID, "Авторизация отменена", nil)
	case errors.Is(err, auth.ErrNothingToCancel):
		h.reply(chatID, "Нечего отменять", nil)
	default:
		h.reply(chatID, fmt.Sprintf("Не удалось отменить авторизацию: %v", err), nil)
	}
}

// handleDialogInput направляет обычный текст в текущий шаг MTProto-авторизации.
func (h *Handler) handleDialogInput(ctx context.Context, msg *tgbotapi.Message, text string) {
	chatID, userID := msg.Chat.ID, msg.From.ID
	switch h.authUC.State(userID).MTProto {
	case domain.MTProtoAwaitingPhone:
		h.handlePhone(ctx, chatID, userID, text)
	case domain.MTProtoAwaitingCode:
		h.deleteMessage(chatID, msg.MessageID)
		h.handleCode(ctx, chatID, userID, text)
	case domain.MTProtoAwaiting2FA:
		h.deleteMessage(chatID, msg.MessageID)
		h.handleSecondFactor(ctx, chatID, userID, text)
	default:
		h.reply(chatID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) handlePhone(ctx context.Context, chatID, userID int64, phone string) {
	err := h.authUC.SubmitPhone(ctx, userID, phone)
	switch {
	case err == nil:
		h.reply(chatID, "Код отправлен в Telegram. Пришлите его, разделив цифры пробелами, например 1 2 3 4 5", nil)
	case errors.Is(err, auth.ErrInvalidPhone):
		h.reply(chatID, "Некорректный номер. Пример: +79991234567", nil)
	default:
		h.replyAuthFailure(chatID, userID, "отправить код", err)
	}
}

func (h *Handler) handleCode(ctx context.Context, chatID, userID int64, code string) {
	err := h.authUC.SubmitCode(ctx, userID, code)
	switch {
	case err == nil:
		h.reply(chatID, "Сессия установлена. Поиск источников включён для ваших каналов", nil)
	case errors.Is(err, domain.ErrSecondFactorRequired):
		h.reply(chatID, "Аккаунт защищён облачным паролем. Отправьте его следующим сообщением", nil)
	case errors.Is(err, auth.ErrInvalidCode):
		h.reply(chatID, "Некорректный код. Отправьте цифры кода", nil)
	default:
		h.replyAuthFailure(chatID, userID, "войти по коду", err)
	}
}

func (h *Handler) handleSecondFactor(ctx context.Context, chatID, userID int64, password string) {
	if err := h.authUC.SubmitSecondFactor(ctx, userID, password); err != nil {
		h.replyAuthFailure(chatID, userID, "проверить облачный пароль", err)
		return
	}
	h.reply(chatID, "Сессия установлена. Поиск источников включён для ваших каналов", nil)
}

func (h *Handler) replyAuthFailure(chatID, userID int64, step string, err error) {
	if errors.Is(err, auth.ErrOutOfOrder) || errors.Is(err, auth.ErrAuthInProgress) {
		h.reply(chatID, "Этот шаг сейчас недоступен. Начните заново: /authenticate", nil)
		return
	}
	h.log.Warn().Err(err).Int64("user", userID).Str("step", step).Msg("bot: шаг авторизации не удался")
	h.reply(chatID, fmt.Sprintf("Не удалось %s: %v. Начните заново: /authenticate", step, err), nil)
}

func (h *Handler) handleAddChannel(ctx context.Context, chatID, userID int64, args string) {
	channelID, err := channels.ParseChannelID(args)
	if err != nil {
		h.reply(chatID, "Отправьте /add_channel -100XXXXXXXXXX", nil)
		return
	}
	if !h.requireVerified(chatID, userID) {
		return
	}
	if ok, err := h.canEditChannel(channelID); err != nil {
		h.reply(chatID, "Не удалось проверить права в канале. Добавьте бота администратором канала", nil)
		return
	} else if !ok {
		h.reply(chatID, "У бота нет права редактировать сообщения в канале", nil)
		return
	}

	if _, err := h.channelUC.Register(ctx, channelID, userID); err != nil {
		h.replyChannelError(chatID, err)
		return
	}
	h.reply(chatID, fmt.Sprintf("Канал %d добавлен", channelID), nil)
}

func (h *Handler) canEditChannel(channelID int64) (bool, error) {
	start := time.Now()
	member, err := h.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: channelID, UserID: h.botID},
	})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat_member", strconv.FormatInt(channelID, 10), start, err)
	if err != nil {
		return false, err
	}
	return member.IsCreator() || (member.IsAdministrator() && member.CanEditMessages), nil
}

func (h *Handler) handleDeleteChannel(ctx context.Context, chatID, userID, channelID int64) {
	if err := h.channelUC.Unregister(ctx, channelID, userID); err != nil {
		h.replyChannelError(chatID, err)
		return
	}
	h.reply(chatID, fmt.Sprintf("Канал %d удалён", channelID), nil)
}

func (h *Handler) handleSetStatus(ctx context.Context, chatID, userID, channelID int64, status domain.ChannelStatus) {
	if _, err := h.channelUC.SetStatus(ctx, channelID, userID, status); err != nil {
		h.replyChannelError(chatID, err)
		return
	}
	if status == domain.ChannelPaused {
		h.reply(chatID, fmt.Sprintf("Обработка канала %d остановлена", channelID), nil)
		return
	}
	h.reply(chatID, fmt.Sprintf("Обработка канала %d возобновлена", channelID), nil)
}

func (h *Handler) handleList(chatID, userID int64) {
	list := h.channelUC.List(userID)
	if len(list) == 0 {
		h.reply(chatID, "Каналов пока нет. Добавьте: /add_channel -100XXXXXXXXXX", nil)
		return
	}
	var b strings.Builder
	b.WriteString("Ваши каналы:\n")
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(list))
	for i, ch := range list {
		title := h.channelTitle(ch.ID)
		status := "🟢 Активен"
		toggle := tgbotapi.NewInlineKeyboardButtonData("⏸ "+title, fmt.Sprintf("stop:%d", ch.ID))
		if !ch.Active() {
			status = "🔴 Остановлен"
			toggle = tgbotapi.NewInlineKeyboardButtonData("▶️ "+title, fmt.Sprintf("resume:%d", ch.ID))
		}
		fmt.Fprintf(&b, "%d. %s (%d) — %s\n", i+1, title, ch.ID, status)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			toggle,
			tgbotapi.NewInlineKeyboardButtonData("🗑 Удалить", fmt.Sprintf("delete:%d", ch.ID)),
		))
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(rows...)
	h.reply(chatID, strings.TrimRight(b.String(), "\n"), &keyboard)
}

func (h *Handler) channelTitle(channelID int64) string {
	start := time.Now()
	chat, err := h.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: channelID}})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat", strconv.FormatInt(channelID, 10), start, err)
	if err != nil || chat.Title == "" {
		return strconv.FormatInt(channelID, 10)
	}
	return chat.Title
}

// requireVerified пропускает только пользователей, подтвердивших пароль, остальным отвечает подсказкой.
func (h *Handler) requireVerified(chatID, userID int64) bool {
	if h.authUC.State(userID).Verified() {
		return true
	}
	h.reply(chatID, "Сначала введите пароль: /password <пароль>", nil)
	return false
}

func (h *Handler) handlePause(chatID int64) {
	if h.pause.TogglePause() {
		h.reply(chatID, "Обработка постов приостановлена для всех каналов. Повторите /pause, чтобы возобновить", nil)
		return
	}
	h.reply(chatID, "Обработка постов возобновлена", nil)
}

func (h *Handler) replyChannelError(chatID int64, err error) {
	switch {
	case errors.Is(err, channels.ErrNotVerified):
		h.reply(chatID, "Сначала введите пароль: /password <пароль>", nil)
	case errors.Is(err, channels.ErrPermissionDenied):
		h.reply(chatID, "Канал принадлежит другому пользователю", nil)
	case errors.Is(err, channels.ErrChannelNotFound):
		h.reply(chatID, "Канал не найден. Список: /list_channels", nil)
	case errors.Is(err, channels.ErrInvalidChannelID):
		h.reply(chatID, "Некорректный идентификатор канала", nil)
	default:
		h.log.Error().Err(err).Msg("bot: операция с каналом")
		h.reply(chatID, fmt.Sprintf("Ошибка: %v", err), nil)
	}
}

func (h *Handler) withChannelID(chatID int64, args, cmd string, fn func(id int64)) {
	id, err := channels.ParseChannelID(args)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Отправьте %s -100XXXXXXXXXX", cmd), nil)
		return
	}
	fn(id)
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message != nil && cb.From != nil && cb.Message.Chat != nil && h.requireVerified(cb.Message.Chat.ID, cb.From.ID) {
		chatID, userID := cb.Message.Chat.ID, cb.From.ID
		data := cb.Data
		switch {
		case strings.HasPrefix(data, "stop:"):
			h.handleSetStatus(ctx, chatID, userID, parseID(data), domain.ChannelPaused)
		case strings.HasPrefix(data, "resume:"):
			h.handleSetStatus(ctx, chatID, userID, parseID(data), domain.ChannelActive)
		case strings.HasPrefix(data, "delete:"):
			h.handleDeleteChannel(ctx, chatID, userID, parseID(data))
		}
	}
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", "callback", start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось ответить на callback")
	}
}

func (h *Handler) deleteMessage(chatID int64, messageID int) {
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	metrics.ObserveNetworkRequest("telegram_bot", "delete_message", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		h.log.Warn().Err(err).Int64("chat", chatID).Msg("bot: не удалось удалить сообщение с секретом")
	}
}

// splitCommand отделяет команду от аргументов и убирает суффикс @username.
func splitCommand(text string) (string, string) {
	cmd, args, _ := strings.Cut(text, " ")
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), strings.TrimSpace(args)
}

func parseID(data string) int64 {
	parts := strings.Split(data, ":")
	if len(parts) != 2 {
		return 0
	}
	id, _ := strconv.ParseInt(parts[1], 10, 64)
	return id
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	parts := telegram.Split(text, telegram.MessageLimit)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Msg("не удалось отправить сообщение")
			return
		}
	}
}

func (h *Handler) buildStartMessage(userID int64) string {
	sess := h.authUC.State(userID)
	var b strings.Builder
	b.WriteString("Привет! Я дописываю к постам ваших каналов ссылку на источник изображения.\n\n")
	if sess.Verified() {
		b.WriteString("Пароль: ✅ подтверждён\n")
	} else {
		b.WriteString("Пароль: ❌ не подтверждён, отправьте /password <пароль>\n")
	}
	switch {
	case sess.MTProto == domain.MTProtoEstablished:
		b.WriteString("Сессия Telegram: ✅ установлена\n")
	case sess.MTProto.Pending():
		b.WriteString("Сессия Telegram: ⏳ авторизация идёт, /cancel для отмены\n")
	default:
		b.WriteString("Сессия Telegram: ❌ нет, выполните /authenticate\n")
	}
	if h.pause.Paused() {
		b.WriteString("Обработка постов: ⏸ на паузе\n")
	}
	b.WriteString("\nСписок команд: /help")
	return b.String()
}

func buildHelpMessage() string {
	return strings.Join([]string{
		"Команды:",
		"/password <пароль> — подтвердить доступ к боту",
		"/authenticate — войти в аккаунт Telegram для поиска источников",
		"/cancel — отменить начатый вход",
		"/add_channel <id> — отслеживать канал (бот должен быть администратором)",
		"/delete_channel <id> — перестать отслеживать канал",
		"/list_channels — ваши каналы",
		"/stop <id> — приостановить канал",
		"/resume <id> — возобновить канал",
		"/pause — приостановить или возобновить обработку всех каналов",
	}, "\n")
}
