package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-source-bot/internal/domain"
	"tg-source-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ChannelRepo         = (*Postgres)(nil)
	_ domain.SessionRepo         = (*Postgres)(nil)
	_ domain.MTProtoSessionStore = (*Postgres)(nil)
	_ domain.BusinessMetricRepo  = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// LoadChannels возвращает все каналы в порядке добавления.
func (p *Postgres) LoadChannels(ctx context.Context) ([]domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT id, owner_id, status, registered_at, seq FROM channels ORDER BY seq`)
	if err != nil {
		metrics.ObserveNetworkRequest("postgres", "channels_load", "channels", start, err)
		return nil, err
	}
	defer rows.Close()

	var list []domain.Channel
	for rows.Next() {
		var (
			ch     domain.Channel
			status string
		)
		if err := rows.Scan(&ch.ID, &ch.OwnerID, &status, &ch.RegisteredAt, &ch.Seq); err != nil {
			metrics.ObserveNetworkRequest("postgres", "channels_load", "channels", start, err)
			return nil, err
		}
		ch.Status = domain.ChannelStatus(status)
		list = append(list, ch)
	}
	err = rows.Err()
	metrics.ObserveNetworkRequest("postgres", "channels_load", "channels", start, err)
	return list, err
}

// SaveChannel создаёт или обновляет канал.
func (p *Postgres) SaveChannel(ctx context.Context, ch domain.Channel) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO channels (id, owner_id, status, registered_at, seq)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, status = EXCLUDED.status
`, ch.ID, ch.OwnerID, string(ch.Status), ch.RegisteredAt, ch.Seq)
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", "channels", start, err)
	return err
}

// DeleteChannel удаляет канал.
func (p *Postgres) DeleteChannel(ctx context.Context, channelID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, channelID)
	metrics.ObserveNetworkRequest("postgres", "channels_delete", "channels", start, err)
	return err
}

// LoadSessions возвращает сохранённые состояния авторизации.
func (p *Postgres) LoadSessions(ctx context.Context) ([]domain.UserSession, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT user_id, password, mtproto, updated_at FROM user_sessions`)
	if err != nil {
		metrics.ObserveNetworkRequest("postgres", "user_sessions_load", "user_sessions", start, err)
		return nil, err
	}
	defer rows.Close()

	var list []domain.UserSession
	for rows.Next() {
		var (
			s                 domain.UserSession
			password, mtproto string
		)
		if err := rows.Scan(&s.UserID, &password, &mtproto, &s.UpdatedAt); err != nil {
			metrics.ObserveNetworkRequest("postgres", "user_sessions_load", "user_sessions", start, err)
			return nil, err
		}
		s.Password = domain.PasswordState(password)
		s.MTProto = domain.MTProtoState(mtproto)
		list = append(list, s)
	}
	err = rows.Err()
	metrics.ObserveNetworkRequest("postgres", "user_sessions_load", "user_sessions", start, err)
	return list, err
}

// SaveSession сохраняет состояние авторизации пользователя.
func (p *Postgres) SaveSession(ctx context.Context, s domain.UserSession) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO user_sessions (user_id, password, mtproto, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE SET password = EXCLUDED.password, mtproto = EXCLUDED.mtproto, updated_at = EXCLUDED.updated_at
`, s.UserID, string(s.Password), string(s.MTProto), s.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "user_sessions_upsert", "user_sessions", start, err)
	return err
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}

// DeleteMTProtoSession удаляет MTProto-сессию.
func (p *Postgres) DeleteMTProtoSession(ctx context.Context, name string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM mtproto_sessions WHERE name = $1`, name)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_delete", "mtproto_sessions", start, err)
	return err
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var userID sql.NullInt64
	if metric.UserID != nil {
		userID = sql.NullInt64{Int64: *metric.UserID, Valid: true}
	}
	var channelID sql.NullInt64
	if metric.ChannelID != nil {
		channelID = sql.NullInt64{Int64: *metric.ChannelID, Valid: true}
	}
	var payload []byte
	if metric.Metadata != nil {
		data, err := json.Marshal(metric.Metadata)
		if err != nil {
			return fmt.Errorf("сериализация метаданных: %w", err)
		}
		payload = data
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, user_id, channel_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, metric.Event, userID, channelID, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}
