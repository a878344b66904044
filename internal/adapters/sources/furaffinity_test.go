package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"tg-source-bot/internal/domain"
)

func TestFurAffinityFoundWithTitle(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("нет ключа API")
		}
		if _, _, err := r.FormFile("image"); err != nil {
			t.Errorf("нет изображения в форме: %v", err)
		}
		_, _ = w.Write([]byte(`[
			{"site":"Twitter","site_id":1,"distance":0},
			{"site":"FurAffinity","site_id":555,"distance":9,"artists":["far"]},
			{"site":"FurAffinity","site_id":777,"distance":2,"artists":["near"]}
		]`))
	}))
	defer api.Close()
	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view/777/" {
			t.Errorf("неожиданная страница %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`<html><head><meta property="og:title" content="Sunset by near"></head></html>`))
	}))
	defer pages.Close()

	p, err := NewFurAffinity(FurAffinityConfig{
		BaseURL:     api.URL,
		APIKey:      "secret",
		MaxDistance: 3,
		FetchTitle:  true,
		PageBaseURL: pages.URL,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFurAffinity: %v", err)
	}

	res := p.Lookup(context.Background(), domain.Image{Data: []byte("x")})
	if res.Status != domain.ResultFound {
		t.Fatalf("ожидали found, получили %s (%v)", res.Status, res.Err)
	}
	if res.URL != "https://www.furaffinity.net/view/777/" {
		t.Fatalf("неожиданная ссылка %s", res.URL)
	}
	if res.Title != "Sunset by near" {
		t.Fatalf("неожиданный заголовок %q", res.Title)
	}
}

func TestFurAffinityTitleFailureKeepsResult(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"site":"FurAffinity","site_id":9,"distance":0,"artists":["a","b"]}]`))
	}))
	defer api.Close()
	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cloudflare", http.StatusForbidden)
	}))
	defer pages.Close()

	p, _ := NewFurAffinity(FurAffinityConfig{BaseURL: api.URL, APIKey: "k", MaxDistance: 3, FetchTitle: true, PageBaseURL: pages.URL}, zerolog.Nop())
	res := p.Lookup(context.Background(), domain.Image{Data: []byte("x")})
	if res.Status != domain.ResultFound || res.Title != "by a, b" {
		t.Fatalf("ожидали found с запасным заголовком, получили %s %q", res.Status, res.Title)
	}
}

func TestFurAffinityNoCloseMatch(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"site":"FurAffinity","site_id":9,"distance":12}]`))
	}))
	defer api.Close()

	p, _ := NewFurAffinity(FurAffinityConfig{BaseURL: api.URL, APIKey: "k", MaxDistance: 3}, zerolog.Nop())
	if res := p.Lookup(context.Background(), domain.Image{Data: []byte("x")}); res.Status != domain.ResultNotFound {
		t.Fatalf("ожидали not_found, получили %s", res.Status)
	}
}
