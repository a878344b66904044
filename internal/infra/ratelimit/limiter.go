package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tg-source-bot/internal/infra/metrics"
)

// ErrDeadline возвращается, если токен не получен до окончания контекста.
var ErrDeadline = errors.New("ratelimit: истёк срок ожидания токена")

// Bucket задаёт параметры корзины провайдера: Burst токенов, один токен каждые Every.
type Bucket struct {
	Burst int
	Every time.Duration
}

// Limiter выдаёт разрешения на запросы к провайдерам. Корзины провайдеров независимы.
type Limiter struct {
	clock Clock
	mu    sync.Mutex
	lims  map[string]*rate.Limiter
}

// New создаёт лимитер. Провайдеры без корзины не ограничиваются.
func New(clock Clock, buckets map[string]Bucket) *Limiter {
	if clock == nil {
		clock = RealClock()
	}
	l := &Limiter{clock: clock, lims: make(map[string]*rate.Limiter, len(buckets))}
	for name, b := range buckets {
		if b.Burst <= 0 {
			continue
		}
		limit := rate.Inf
		if b.Every > 0 {
			limit = rate.Every(b.Every)
		}
		l.lims[name] = rate.NewLimiter(limit, b.Burst)
	}
	return l
}

// Acquire пытается забрать токен. Если токена нет, возвращает минимальное время до следующего.
func (l *Limiter) Acquire(provider string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.lims[provider]
	if !ok {
		return true, 0
	}
	now := l.clock.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Duration(math.MaxInt64)
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// Wait блокируется до получения токена. Запрос не отбрасывается, пока жив контекст.
func (l *Limiter) Wait(ctx context.Context, provider string) error {
	start := l.clock.Now()
	for {
		granted, wait := l.Acquire(provider)
		if granted {
			metrics.ObserveRateLimitWait(provider, l.clock.Now().Sub(start))
			return nil
		}
		if deadline, ok := ctx.Deadline(); ok && l.clock.Now().Add(wait).After(deadline) {
			return ErrDeadline
		}
		select {
		case <-ctx.Done():
			return ErrDeadline
		case <-l.clock.After(wait):
		}
	}
}

// Tokens возвращает текущее число токенов в корзине провайдера.
func (l *Limiter) Tokens(provider string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.lims[provider]
	if !ok {
		return float64(rate.Inf)
	}
	return lim.TokensAt(l.clock.Now())
}
