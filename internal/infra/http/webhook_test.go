package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWebhookSecretMiddleware(t *testing.T) {
	handler := WebhookSecretMiddleware("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := map[string]int{
		"":       http.StatusUnauthorized,
		"wrong":  http.StatusUnauthorized,
		"s3cret": http.StatusNoContent,
	}
	for header, expected := range cases {
		req := httptest.NewRequest(http.MethodPost, "/bot/webhook", nil)
		if header != "" {
			req.Header.Set(SecretTokenHeader, header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != expected {
			t.Fatalf("заголовок %q: ожидали %d, получили %d", header, expected, rec.Code)
		}
	}
}

func TestWebhookWithoutSecretRejectsEverything(t *testing.T) {
	called := false
	handler := WebhookSecretMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodPost, "/bot/webhook", strings.NewReader(`{"channel_post":{}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if called || rec.Code != http.StatusUnauthorized {
		t.Fatalf("без секрета запрос не должен проходить, код %d", rec.Code)
	}
}

func TestEnsureWebhookSecret(t *testing.T) {
	if secret, generated := EnsureWebhookSecret("given"); secret != "given" || generated {
		t.Fatalf("заданный секрет не меняется, получили %q", secret)
	}
	first, generated := EnsureWebhookSecret("")
	if !generated || len(first) != 32 {
		t.Fatalf("ожидали случайный секрет из 32 символов, получили %q", first)
	}
	if second, _ := EnsureWebhookSecret(""); second == first {
		t.Fatal("секреты должны различаться")
	}
}

func TestHealthz(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("неожиданный ответ %d %q", rec.Code, rec.Body.String())
	}
}
