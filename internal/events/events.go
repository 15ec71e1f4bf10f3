// Package events публикует события жизненного цикла заказов.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/mmeshcher/licensebot/internal/model"
)

// OrderEvent описывает переход заказа в терминальное состояние.
type OrderEvent struct {
	OrderID    string           `json:"order_id"`
	ChatID     int64            `json:"chat_id"`
	Product    model.Product    `json:"product"`
	Kind       model.OrderKind  `json:"kind"`
	Days       int              `json:"days"`
	Price      int64            `json:"price"`
	Points     int64            `json:"points"`
	State      model.OrderState `json:"state"`
	PaymentRef string           `json:"payment_ref,omitempty"`
	LicenseKey string           `json:"license_key,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// FromOrder собирает событие из заказа.
func FromOrder(o model.Order) OrderEvent {
	at := time.Now().UTC()
	if o.ResolvedAt != nil {
		at = o.ResolvedAt.UTC()
	}
	return OrderEvent{
		OrderID:    o.ID,
		ChatID:     o.ChatID,
		Product:    o.Product,
		Kind:       o.Kind,
		Days:       o.Days,
		Price:      o.Price,
		Points:     o.Points,
		State:      o.State,
		PaymentRef: o.PaymentRef,
		LicenseKey: o.LicenseKey,
		OccurredAt: at,
	}
}

// RoutingKey возвращает ключ маршрутизации вида order.<state>.
func (e OrderEvent) RoutingKey() string {
	return "order." + strings.ToLower(string(e.State))
}

// Publisher отправляет события заказов.
type Publisher interface {
	Publish(ctx context.Context, e OrderEvent) error
}

// Nop реализует Publisher, который ничего не отправляет.
type Nop struct{}

func (Nop) Publish(context.Context, OrderEvent) error { return nil }
