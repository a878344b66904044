package mtproto

import (
	"context"
	"errors"
	"strconv"

	"github.com/gotd/td/session"

	"tg-source-bot/internal/domain"
)

// SessionName возвращает имя MTProto-сессии пользователя в хранилище.
func SessionName(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// userStorage реализует session.Storage поверх хранилища сессий.
type userStorage struct {
	store domain.MTProtoSessionStore
	name  string
}

var _ session.Storage = (*userStorage)(nil)

// LoadSession загружает сессию. Сессии Telethon приводятся к формату gotd при чтении.
func (s *userStorage) LoadSession(ctx context.Context) ([]byte, error) {
	data, err := s.store.LoadMTProtoSession(ctx, s.name)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, session.ErrNotFound
	}
	normalized, _, err := NormalizeSession(data)
	if err != nil {
		if errors.Is(err, ErrUnsupportedSessionFormat) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return normalized, nil
}

// StoreSession сохраняет сессию.
func (s *userStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.store.StoreMTProtoSession(ctx, s.name, data)
}
