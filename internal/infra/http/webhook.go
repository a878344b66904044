package http

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// SecretTokenHeader содержит секрет, которым Telegram подписывает запросы вебхука.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// EnsureWebhookSecret возвращает заданный секрет или случайный, если он пуст.
// Второе значение true, когда секрет сгенерирован.
func EnsureWebhookSecret(secret string) (string, bool) {
	if secret != "" {
		return secret, false
	}
	return strings.ReplaceAll(uuid.NewString(), "-", ""), true
}

// WebhookSecretMiddleware пропускает только запросы с верным секретом вебхука.
// С пустым секретом отклоняется всё.
func WebhookSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretTokenHeader)), []byte(secret)) != 1 {
				WriteError(w, http.StatusUnauthorized, fmt.Errorf("секрет вебхука недействителен"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":%q}`, err.Error())))
}
