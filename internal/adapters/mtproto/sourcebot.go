package mtproto

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"tg-source-bot/internal/domain"
	"tg-source-bot/internal/infra/metrics"
)

// Ask отправляет изображение боту поиска источников от имени пользователя и ждёт ответ на него.
func (p *Pool) Ask(ctx context.Context, userID int64, image domain.Image) (string, error) {
	uc, err := p.get(ctx, userID)
	if err != nil {
		return "", err
	}
	status, err := uc.client.Auth().Status(ctx)
	if err != nil {
		return "", fmt.Errorf("mtproto: статус авторизации: %w", err)
	}
	if !status.Authorized {
		return "", ErrNotAuthorized
	}

	uc.askMu.Lock()
	defer uc.askMu.Unlock()
	if err := p.resolveBot(ctx, uc); err != nil {
		return "", err
	}
	uc.beginWait()
	defer uc.endWait()

	start := time.Now()
	file, err := uploader.NewUploader(uc.api).FromBytes(ctx, "photo.jpg", image.Data)
	if err != nil {
		metrics.ObserveNetworkRequest("mtproto", "upload", p.cfg.SourceBot, start, err)
		return "", fmt.Errorf("mtproto: загрузка изображения: %w", err)
	}
	updates, err := message.NewSender(uc.api).Resolve("@"+p.cfg.SourceBot).Media(ctx, message.UploadedPhoto(file))
	metrics.ObserveNetworkRequest("mtproto", "send_photo", p.cfg.SourceBot, start, err)
	if err != nil {
		return "", fmt.Errorf("mtproto: отправка изображения: %w", err)
	}
	sentID := p.inspectSent(uc, updates)

	timer := time.NewTimer(p.cfg.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case reply := <-uc.replies:
			if sentID != 0 && reply.replyTo != 0 && reply.replyTo != sentID {
				p.logger.Debug().Int("reply_to", reply.replyTo).Int("sent", sentID).Msg("mtproto: ответ на другое сообщение")
				continue
			}
			return reply.text, nil
		case <-timer.C:
			return "", fmt.Errorf("mtproto: ожидание %s: %w", p.cfg.ReplyTimeout, domain.ErrSourceBotNoReply)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// resolveBot узнаёт id бота поиска, чтобы отличать его ответы от других сообщений.
func (p *Pool) resolveBot(ctx context.Context, uc *userClient) error {
	uc.mu.Lock()
	known := uc.botID != 0
	uc.mu.Unlock()
	if known {
		return nil
	}
	start := time.Now()
	resolved, err := uc.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: p.cfg.SourceBot})
	metrics.ObserveNetworkRequest("mtproto", "resolve_username", p.cfg.SourceBot, start, err)
	if err != nil {
		return fmt.Errorf("mtproto: поиск @%s: %w", p.cfg.SourceBot, err)
	}
	peer, ok := resolved.Peer.(*tg.PeerUser)
	if !ok {
		return fmt.Errorf("mtproto: @%s не пользователь", p.cfg.SourceBot)
	}
	uc.setBotID(peer.UserID)
	return nil
}

// inspectSent запоминает идентификатор бота и возвращает id отправленного сообщения.
func (p *Pool) inspectSent(uc *userClient, updates tg.UpdatesClass) int {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		for _, raw := range u.Users {
			if user, ok := raw.(*tg.User); ok && strings.EqualFold(user.Username, p.cfg.SourceBot) {
				uc.setBotID(user.ID)
			}
		}
		for _, upd := range u.Updates {
			switch v := upd.(type) {
			case *tg.UpdateMessageID:
				return v.ID
			case *tg.UpdateNewMessage:
				if msg, ok := v.Message.(*tg.Message); ok && msg.Out {
					return msg.ID
				}
			}
		}
	}
	return 0
}

func (uc *userClient) beginWait() {
	uc.mu.Lock()
	uc.waiting++
	uc.mu.Unlock()
	for {
		select {
		case <-uc.replies:
		default:
			return
		}
	}
}

func (uc *userClient) endWait() {
	uc.mu.Lock()
	uc.waiting--
	uc.mu.Unlock()
}
