package resolve

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"tg-source-bot/internal/domain"
	"tg-source-bot/internal/infra/metrics"
)

// DefaultPriority задаёт порядок выбора источника, когда находят несколько провайдеров.
var DefaultPriority = []string{"e621", "furaffinity", "twitter", "bluesky"}

// Limiter выдаёт разрешения на обращение к провайдеру.
type Limiter interface {
	Wait(ctx context.Context, provider string) error
}

type disabler interface {
	Disabled() bool
}

// Config задаёт приоритет провайдеров и общий срок поиска.
type Config struct {
	Priority []string
	Deadline time.Duration
}

// Orchestrator опрашивает провайдеров параллельно и выбирает лучший источник.
type Orchestrator struct {
	providers []domain.Provider
	ranks     map[string]int
	limiter   Limiter
	deadline  time.Duration
	logger    zerolog.Logger
}

// New создаёт оркестратор. Провайдеры вне списка приоритета идут после него по имени.
func New(providers []domain.Provider, limiter Limiter, cfg Config, logger zerolog.Logger) *Orchestrator {
	if len(cfg.Priority) == 0 {
		cfg.Priority = DefaultPriority
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 15 * time.Second
	}
	names := lo.Map(providers, func(p domain.Provider, _ int) string { return p.Name() })
	ranks := make(map[string]int, len(names))
	for i, name := range cfg.Priority {
		if _, ok := ranks[name]; !ok {
			ranks[name] = i
		}
	}
	unlisted := lo.Filter(lo.Uniq(names), func(name string, _ int) bool {
		return !lo.Contains(cfg.Priority, name)
	})
	sort.Strings(unlisted)
	for i, name := range unlisted {
		ranks[name] = len(cfg.Priority) + i
	}
	ordered := append([]domain.Provider(nil), providers...)
	sort.SliceStable(ordered, func(i, j int) bool { return ranks[ordered[i].Name()] < ranks[ordered[j].Name()] })

	return &Orchestrator{
		providers: ordered,
		ranks:     ranks,
		limiter:   limiter,
		deadline:  cfg.Deadline,
		logger:    logger,
	}
}

// Providers возвращает имена провайдеров в порядке приоритета.
func (o *Orchestrator) Providers() []string {
	return lo.Map(o.providers, func(p domain.Provider, _ int) string { return p.Name() })
}

type indexedResult struct {
	idx int
	res domain.ProviderResult
}

// Resolve опрашивает всех включённых провайдеров и выбирает найденный источник с наивысшим приоритетом.
// Провайдеры, не ответившие до срока, получают статус timed_out, их поздние ответы отбрасываются.
func (o *Orchestrator) Resolve(ctx context.Context, req domain.LookupRequest) domain.Resolution {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(domain.WithOwner(ctx, req.OwnerID), o.deadline)
	defer cancel()

	results := make([]domain.ProviderResult, len(o.providers))
	done := make([]bool, len(o.providers))
	// Буфер на всех провайдеров, чтобы опоздавшие горутины не блокировались.
	ch := make(chan indexedResult, len(o.providers))
	pending := 0
	for i, p := range o.providers {
		if d, ok := p.(disabler); ok && d.Disabled() {
			results[i] = domain.ProviderResult{Provider: p.Name(), Status: domain.ResultDisabled}
			done[i] = true
			continue
		}
		pending++
		go o.query(ctx, i, p, req.Image, ch)
	}

collect:
	for pending > 0 {
		select {
		case r := <-ch:
			results[r.idx], done[r.idx] = r.res, true
			pending--
		case <-ctx.Done():
			break collect
		}
	}
	for pending > 0 {
		select {
		case r := <-ch:
			results[r.idx], done[r.idx] = r.res, true
			pending--
		default:
			pending = 0
		}
	}
	for i, p := range o.providers {
		if !done[i] {
			results[i] = domain.ProviderResult{Provider: p.Name(), Status: domain.ResultTimedOut, Err: ctx.Err(), Latency: time.Since(start)}
		}
	}

	resolution := domain.Resolution{Request: req, Results: results}
	for i := range results {
		results[i].Rank = o.ranks[results[i].Provider]
		metrics.ObserveProviderResult(results[i].Provider, string(results[i].Status), results[i].Latency)
		if resolution.Best == nil && results[i].Found() {
			best := results[i]
			resolution.Best = &best
		}
	}
	metrics.ResolveSeconds.Observe(time.Since(start).Seconds())

	event := o.logger.Debug().
		Str("request", req.ID).
		Int64("channel", req.ChannelID).
		Int("message", req.MessageID).
		Dur("took", time.Since(start))
	for _, r := range results {
		event = event.Str(r.Provider, string(r.Status))
	}
	if resolution.Best != nil {
		event = event.Str("best", resolution.Best.Provider).Str("url", resolution.Best.URL)
	}
	event.Msg("resolve: поиск завершён")
	return resolution
}

func (o *Orchestrator) query(ctx context.Context, idx int, p domain.Provider, image domain.Image, out chan<- indexedResult) {
	name := p.Name()
	start := time.Now()
	if err := o.limiter.Wait(ctx, name); err != nil {
		out <- indexedResult{idx: idx, res: domain.ProviderResult{Provider: name, Status: domain.ResultRateLimitedSkip, Err: err, Latency: time.Since(start)}}
		return
	}
	res := p.Lookup(ctx, image)
	res.Provider = name
	if res.Status == domain.ResultError && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Status = domain.ResultTimedOut
	}
	if res.Status == domain.ResultError {
		o.logger.Warn().Err(res.Err).Str("provider", name).Msg("resolve: ошибка провайдера")
	}
	out <- indexedResult{idx: idx, res: res}
}
