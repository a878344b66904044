package domain

import (
	"context"
	"errors"
)

type ownerKey struct{}

// WithOwner кладёт в контекст владельца канала, от чьего имени идёт поиск.
func WithOwner(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, ownerKey{}, userID)
}

// OwnerFromContext достаёт владельца, положенного WithOwner.
func OwnerFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ownerKey{}).(int64)
	return id, ok && id != 0
}

// ErrSourceBotNoReply возвращается, если бот поиска источников не ответил вовремя.
var ErrSourceBotNoReply = errors.New("бот поиска источников не ответил")
