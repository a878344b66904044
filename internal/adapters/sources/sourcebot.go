package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tg-source-bot/internal/domain"
)

const (
	// NameTwitter задаёт имя провайдера Twitter/X.
	NameTwitter = "twitter"
	// NameBluesky задаёт имя провайдера Bluesky.
	NameBluesky = "bluesky"
)

var errNoOwner = errors.New("в контексте нет владельца канала")

type cachedReply struct {
	text    string
	expires time.Time
}

// BotSearch спрашивает бота поиска источников не чаще одного раза на изображение.
// Ответ разделяют все провайдеры, читающие ссылки из ответа бота.
type BotSearch struct {
	bot   domain.SourceBot
	ttl   time.Duration
	group singleflight.Group

	mu      sync.Mutex
	replies map[string]cachedReply
	now     func() time.Time
}

// NewBotSearch создаёт общий поиск. ttl задаёт, сколько хранить ответ бота.
func NewBotSearch(bot domain.SourceBot, ttl time.Duration) *BotSearch {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &BotSearch{bot: bot, ttl: ttl, replies: make(map[string]cachedReply), now: time.Now}
}

// Reply возвращает текст ответа бота для изображения.
func (s *BotSearch) Reply(ctx context.Context, image domain.Image) (string, error) {
	owner, ok := domain.OwnerFromContext(ctx)
	if !ok {
		return "", errNoOwner
	}
	sum := sha256.Sum256(image.Data)
	key := strconv.FormatInt(owner, 10) + ":" + hex.EncodeToString(sum[:])

	if text, ok := s.cached(key); ok {
		return text, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		if text, ok := s.cached(key); ok {
			return text, nil
		}
		text, err := s.bot.Ask(ctx, owner, image)
		if err != nil {
			return "", err
		}
		s.store(key, text)
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *BotSearch) cached(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replies[key]
	if !ok || s.now().After(r.expires) {
		return "", false
	}
	return r.text, true
}

func (s *BotSearch) store(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, r := range s.replies {
		if now.After(r.expires) {
			delete(s.replies, k)
		}
	}
	s.replies[key] = cachedReply{text: text, expires: now.Add(s.ttl)}
}

// BotLinkProvider извлекает из ответа бота ссылку на свою платформу.
type BotLinkProvider struct {
	name    string
	domains []string
	search  *BotSearch
}

// NewTwitter создаёт провайдер Twitter/X поверх общего поиска.
func NewTwitter(search *BotSearch) *BotLinkProvider {
	return &BotLinkProvider{name: NameTwitter, domains: TwitterDomains, search: search}
}

// NewBluesky создаёт провайдер Bluesky поверх общего поиска.
func NewBluesky(search *BotSearch) *BotLinkProvider {
	return &BotLinkProvider{name: NameBluesky, domains: BlueskyDomains, search: search}
}

// NewE621FromBot создаёт провайдер e621, который берёт ссылку из ответа бота.
// Используется, когда нет ключей API e621.
func NewE621FromBot(search *BotSearch) *BotLinkProvider {
	return &BotLinkProvider{name: NameE621, domains: E621Domains, search: search}
}

// NewFurAffinityFromBot создаёт провайдер FurAffinity поверх ответа бота.
func NewFurAffinityFromBot(search *BotSearch) *BotLinkProvider {
	return &BotLinkProvider{name: NameFurAffinity, domains: FurAffinityDomains, search: search}
}

// Name возвращает имя провайдера.
func (p *BotLinkProvider) Name() string { return p.name }

// Lookup ищет в ответе бота первую ссылку на платформу провайдера.
func (p *BotLinkProvider) Lookup(ctx context.Context, image domain.Image) domain.ProviderResult {
	start := time.Now()
	text, err := p.search.Reply(ctx, image)
	if errors.Is(err, domain.ErrSourceBotNoReply) {
		return domain.ProviderResult{Provider: p.name, Status: domain.ResultNotFound, Err: err, Latency: time.Since(start)}
	}
	if err != nil {
		return errorResult(p.name, start, fmt.Errorf("%s: %w", p.name, err))
	}
	if url := ExtractURL(text, p.domains); url != "" {
		return domain.ProviderResult{Provider: p.name, Status: domain.ResultFound, URL: url, Latency: time.Since(start)}
	}
	return domain.ProviderResult{Provider: p.name, Status: domain.ResultNotFound, Latency: time.Since(start)}
}
