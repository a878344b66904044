package sources

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"tg-source-bot/internal/domain"
)

// NameE621 задаёт имя провайдера e621.
const NameE621 = "e621"

const defaultE621BaseURL = "https://e621.net"

// E621Config настраивает поиск по IQDB e621.
type E621Config struct {
	BaseURL   string
	Login     string
	APIKey    string
	UserAgent string
	MinScore  int
	Timeout   time.Duration
}

// E621 ищет изображение через IQDB e621.
type E621 struct {
	client   httpClient
	login    string
	apiKey   string
	minScore float64
}

// NewE621 создаёт провайдер. Без логина и API-ключа возвращает ErrMissingCredentials.
func NewE621(cfg E621Config) (*E621, error) {
	if cfg.Login == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("e621: %w", ErrMissingCredentials)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultE621BaseURL
	}
	return &E621{
		client:   newHTTPClient(NameE621, cfg.BaseURL, cfg.UserAgent, cfg.Timeout),
		login:    cfg.Login,
		apiKey:   cfg.APIKey,
		minScore: float64(cfg.MinScore),
	}, nil
}

// Name возвращает имя провайдера.
func (e *E621) Name() string { return NameE621 }

type iqdbMatch struct {
	Score  float64 `json:"score"`
	PostID int64   `json:"post_id"`
	Post   struct {
		Posts struct {
			ID int64 `json:"id"`
		} `json:"posts"`
	} `json:"post"`
}

func (m iqdbMatch) id() int64 {
	if m.PostID != 0 {
		return m.PostID
	}
	return m.Post.Posts.ID
}

type iqdbError struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Lookup отправляет изображение в IQDB и выбирает совпадение с наибольшей оценкой.
func (e *E621) Lookup(ctx context.Context, image domain.Image) domain.ProviderResult {
	start := time.Now()
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(e.login+":"+e.apiKey)))

	body, err := e.client.postImage(ctx, "/iqdb_queries.json", "file", image, header)
	if err != nil {
		return errorResult(NameE621, start, err)
	}

	var matches []iqdbMatch
	if err := json.Unmarshal(body, &matches); err != nil {
		var apiErr iqdbError
		if jerr := json.Unmarshal(body, &apiErr); jerr == nil && (apiErr.Reason != "" || apiErr.Message != "") {
			return errorResult(NameE621, start, fmt.Errorf("e621: %s%s", apiErr.Reason, apiErr.Message))
		}
		return errorResult(NameE621, start, fmt.Errorf("e621: decode response: %w", err))
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	for _, m := range matches {
		if m.Score < e.minScore {
			break
		}
		if id := m.id(); id > 0 {
			return domain.ProviderResult{
				Provider: NameE621,
				Status:   domain.ResultFound,
				URL:      fmt.Sprintf("https://e621.net/posts/%d", id),
				Latency:  time.Since(start),
			}
		}
	}
	return domain.ProviderResult{Provider: NameE621, Status: domain.ResultNotFound, Latency: time.Since(start)}
}
