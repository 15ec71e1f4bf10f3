// Package middleware содержит HTTP middleware бота продажи лицензий.
package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SecretParam имя параметра маршрута с секретом webhook.
const SecretParam = "secret"

// WebhookAuth проверяет секрет в пути webhook-запроса.
type WebhookAuth struct {
	key      []byte
	expected []byte
}

// NewWebhookAuth создаёт проверку для указанного секрета.
// С пустым секретом все запросы отклоняются.
func NewWebhookAuth(secret string) *WebhookAuth {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		key = []byte("webhook-signing-key")
	}

	a := &WebhookAuth{key: key}
	if secret != "" {
		a.expected = a.sign(secret)
	}
	return a
}

// Middleware пропускает запрос дальше, только если секрет из пути совпал.
func (a *WebhookAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Valid(chi.URLParam(r, SecretParam)) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Valid сравнивает секрет за постоянное время.
func (a *WebhookAuth) Valid(secret string) bool {
	if a.expected == nil || secret == "" {
		return false
	}
	return hmac.Equal(a.sign(secret), a.expected)
}

// Подпись выравнивает длины, чтобы сравнение не зависело от длины секрета.
func (a *WebhookAuth) sign(secret string) []byte {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}
