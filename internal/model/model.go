// Package model содержит доменные сущности бота продажи лицензий.
package model

import (
	"fmt"
	"time"
)

// Product описывает тип игры, для которой продаётся ключ.
type Product string

const (
	ProductFF    Product = "FF"
	ProductFFMax Product = "FF-MAX"
)

// ParseProduct разбирает код продукта из callback-данных или базы.
func ParseProduct(s string) (Product, error) {
	switch s {
	case string(ProductFF), "ff":
		return ProductFF, nil
	case string(ProductFFMax), "ffmax", "FFMAX":
		return ProductFFMax, nil
	}
	return "", fmt.Errorf("unknown product %q", s)
}

// OrderKind описывает вид операции заказа.
type OrderKind string

const (
	KindNew    OrderKind = "NEW"
	KindExtend OrderKind = "EXTEND"
	KindRedeem OrderKind = "REDEEM"
)

// OrderState описывает состояние заказа. Все состояния, кроме ACTIVE, терминальные.
type OrderState string

const (
	OrderStateActive    OrderState = "ACTIVE"
	OrderStateCommitted OrderState = "COMMITTED"
	OrderStateExpired   OrderState = "EXPIRED"
	OrderStateCancelled OrderState = "CANCELLED"
	// OrderStateFailed означает, что оплата получена, но ключ выдать не удалось.
	// Такой заказ требует ручной сверки.
	OrderStateFailed OrderState = "FAILED"
)

// Terminal сообщает, что из состояния больше нет переходов.
func (s OrderState) Terminal() bool {
	return s != OrderStateActive
}

// Order описывает одну попытку покупки, продления или обмена баллов.
type Order struct {
	ID               string
	ChatID           int64
	Product          Product
	Kind             OrderKind
	Days             int
	Price            int64
	Points           int64
	State            OrderState
	PaymentRef       string
	PaymentCode      string
	PaymentMessageID int
	TargetKey        string
	LicenseKey       string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	ResolvedAt       *time.Time
}

// License описывает ключ, выданный пользователю.
type License struct {
	Key       string
	Product   Product
	ChatID    int64
	OrderID   string
	ExpiresAt time.Time
}

// Receipt содержит результат успешного подтверждения заказа.
type Receipt struct {
	Order   Order
	License License
	Balance int64
}
