// Package handler содержит HTTP-обработчики бота: webhook Telegram и статус сервиса.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/licensebot/internal/middleware"
	"github.com/mmeshcher/licensebot/internal/model"
	"github.com/mmeshcher/licensebot/internal/telegram"
)

const (
	maxUpdateSize   = 1 << 20
	dispatchTimeout = 30 * time.Second
	pingTimeout     = 3 * time.Second
)

// Dispatcher обрабатывает нормализованные события чата.
type Dispatcher interface {
	Dispatch(ctx context.Context, e model.Event)
}

// Pinger проверяет доступность хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler реализует HTTP-обработчики бота.
type Handler struct {
	dispatcher  Dispatcher
	pinger      Pinger
	logger      *zap.Logger
	webhookAuth *middleware.WebhookAuth
	metrics     http.Handler
	now         func() time.Time
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metrics может быть nil, тогда /metrics не публикуется.
func NewHandler(d Dispatcher, p Pinger, logger *zap.Logger, auth *middleware.WebhookAuth, metrics http.Handler) *Handler {
	return &Handler{
		dispatcher:  d,
		pinger:      p,
		logger:      logger,
		webhookAuth: auth,
		metrics:     metrics,
		now:         time.Now,
	}
}

type webhookResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Webhook принимает обновление Telegram и обрабатывает его до ответа.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var update tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateSize)).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "Invalid JSON"})
		return
	}

	e, ok := telegram.EventFromUpdate(update)
	if !ok {
		h.logger.Debug("unsupported update skipped", zap.Int("update", update.UpdateID))
		writeJSON(w, http.StatusOK, webhookResponse{OK: true})
		return
	}

	// Обработка не должна обрываться, если Telegram закрыл соединение.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), dispatchTimeout)
	defer cancel()

	h.dispatcher.Dispatch(ctx, e)
	writeJSON(w, http.StatusOK, webhookResponse{OK: true})
}

type statusResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Status сообщает, что бот запущен, и проверяет соединение с хранилищем.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	resp := statusResponse{
		Status:    "online",
		Database:  "connected",
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}
	if err := h.pinger.Ping(ctx); err != nil {
		h.logger.Warn("storage ping failed", zap.Error(err))
		resp.Status = "degraded"
		resp.Database = "unavailable"
		resp.Error = err.Error()
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
