package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"tg-source-bot/internal/domain"
)

// NameFurAffinity задаёт имя провайдера FurAffinity.
const NameFurAffinity = "furaffinity"

const defaultFuzzySearchBaseURL = "https://api-v2.fuzzysearch.net"

// FurAffinityConfig настраивает поиск FurAffinity через FuzzySearch.
type FurAffinityConfig struct {
	BaseURL     string
	APIKey      string
	UserAgent   string
	MaxDistance int
	// FetchTitle включает загрузку заголовка со страницы работы.
	FetchTitle bool
	// PageBaseURL переопределяет адрес страниц работ, используется в тестах.
	PageBaseURL string
	Timeout     time.Duration
}

// FurAffinity ищет работы FurAffinity по перцептивному хешу FuzzySearch.
type FurAffinity struct {
	api         httpClient
	pages       httpClient
	apiKey      string
	maxDistance int
	fetchTitle  bool
	pageBaseURL string
	logger      zerolog.Logger
}

// NewFurAffinity создаёт провайдер. Без API-ключа FuzzySearch возвращает ErrMissingCredentials.
func NewFurAffinity(cfg FurAffinityConfig, logger zerolog.Logger) (*FurAffinity, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("furaffinity: %w", ErrMissingCredentials)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultFuzzySearchBaseURL
	}
	if cfg.PageBaseURL == "" {
		cfg.PageBaseURL = "https://www.furaffinity.net"
	}
	return &FurAffinity{
		api:         newHTTPClient(NameFurAffinity, cfg.BaseURL, cfg.UserAgent, cfg.Timeout),
		pages:       newHTTPClient(NameFurAffinity, cfg.PageBaseURL, cfg.UserAgent, cfg.Timeout),
		apiKey:      cfg.APIKey,
		maxDistance: cfg.MaxDistance,
		fetchTitle:  cfg.FetchTitle,
		pageBaseURL: strings.TrimRight(cfg.PageBaseURL, "/"),
		logger:      logger,
	}, nil
}

// Name возвращает имя провайдера.
func (f *FurAffinity) Name() string { return NameFurAffinity }

type fuzzyMatch struct {
	SiteID   int64    `json:"site_id"`
	Site     string   `json:"site"`
	Distance *int     `json:"distance"`
	Artists  []string `json:"artists"`
}

// Lookup ищет изображение и возвращает первую работу FurAffinity в пределах допустимой дистанции.
func (f *FurAffinity) Lookup(ctx context.Context, image domain.Image) domain.ProviderResult {
	start := time.Now()
	header := http.Header{}
	header.Set("x-api-key", f.apiKey)
	header.Set("Accept", "application/json")

	body, err := f.api.postImage(ctx, "/image", "image", image, header)
	if err != nil {
		return errorResult(NameFurAffinity, start, err)
	}
	var matches []fuzzyMatch
	if err := json.Unmarshal(body, &matches); err != nil {
		return errorResult(NameFurAffinity, start, fmt.Errorf("furaffinity: decode response: %w", err))
	}

	for _, m := range matches {
		if !strings.EqualFold(m.Site, "furaffinity") || m.SiteID <= 0 {
			continue
		}
		if m.Distance == nil || *m.Distance > f.maxDistance {
			continue
		}
		res := domain.ProviderResult{
			Provider: NameFurAffinity,
			Status:   domain.ResultFound,
			URL:      fmt.Sprintf("https://www.furaffinity.net/view/%d/", m.SiteID),
		}
		if len(m.Artists) > 0 {
			res.Title = "by " + strings.Join(m.Artists, ", ")
		}
		if f.fetchTitle {
			if title, err := f.pageTitle(ctx, m.SiteID); err != nil {
				f.logger.Debug().Err(err).Int64("submission", m.SiteID).Msg("furaffinity: не удалось получить заголовок")
			} else if title != "" {
				res.Title = title
			}
		}
		res.Latency = time.Since(start)
		return res
	}
	return domain.ProviderResult{Provider: NameFurAffinity, Status: domain.ResultNotFound, Latency: time.Since(start)}
}

func (f *FurAffinity) pageTitle(ctx context.Context, id int64) (string, error) {
	body, err := f.pages.get(ctx, fmt.Sprintf("%s/view/%d/", f.pageBaseURL, id))
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}
	title := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return title, nil
}
