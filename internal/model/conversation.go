package model

import (
	"encoding/json"
	"fmt"
)

// Step обозначает текущий шаг диалога.
type Step string

const (
	StepIdle                  Step = "idle"
	StepChoosingProduct       Step = "choosing_product"
	StepChoosingDuration      Step = "choosing_duration"
	StepAwaitingExtendKey     Step = "awaiting_extend_key"
	StepChoosingRedeemProduct Step = "choosing_redeem_product"
	StepAwaitingPayment       Step = "awaiting_payment"
)

// Conversation хранит состояние диалога одного чата.
// Реализации перечислены ниже, других быть не может.
type Conversation interface {
	Step() Step
	// BoundOrder возвращает идентификатор заказа, к которому привязан шаг.
	BoundOrder() string
	sealed()
}

// Idle означает, что пользователь ничего не выбирает.
type Idle struct{}

// ChoosingProduct означает выбор продукта для покупки или продления.
type ChoosingProduct struct {
	Kind OrderKind
}

// ChoosingDuration означает, что продукт выбран и ждём длительность.
type ChoosingDuration struct {
	Kind    OrderKind
	Product Product
}

// AwaitingExtendKey ждёт текстом ключ, который нужно продлить.
type AwaitingExtendKey struct {
	Product Product
	Days    int
}

// ChoosingRedeemProduct означает, что длительность обмена выбрана и ждём продукт.
type ChoosingRedeemProduct struct {
	Days int
}

// AwaitingPayment означает, что по заказу показан QR-код.
type AwaitingPayment struct {
	OrderID string
}

func (Idle) Step() Step                  { return StepIdle }
func (ChoosingProduct) Step() Step       { return StepChoosingProduct }
func (ChoosingDuration) Step() Step      { return StepChoosingDuration }
func (AwaitingExtendKey) Step() Step     { return StepAwaitingExtendKey }
func (ChoosingRedeemProduct) Step() Step { return StepChoosingRedeemProduct }
func (AwaitingPayment) Step() Step       { return StepAwaitingPayment }

func (Idle) BoundOrder() string                  { return "" }
func (ChoosingProduct) BoundOrder() string       { return "" }
func (ChoosingDuration) BoundOrder() string      { return "" }
func (AwaitingExtendKey) BoundOrder() string     { return "" }
func (ChoosingRedeemProduct) BoundOrder() string { return "" }
func (s AwaitingPayment) BoundOrder() string     { return s.OrderID }

func (Idle) sealed()                  {}
func (ChoosingProduct) sealed()       {}
func (ChoosingDuration) sealed()      {}
func (AwaitingExtendKey) sealed()     {}
func (ChoosingRedeemProduct) sealed() {}
func (AwaitingPayment) sealed()       {}

// conversationRecord хранит плоское представление для хранилища.
// Поле order_id читается скриптом очистки в Redis, его имя менять нельзя.
type conversationRecord struct {
	Step    Step      `json:"step"`
	Kind    OrderKind `json:"kind,omitempty"`
	Product Product   `json:"product,omitempty"`
	Days    int       `json:"days,omitempty"`
	OrderID string    `json:"order_id,omitempty"`
}

// EncodeConversation сериализует состояние диалога.
func EncodeConversation(c Conversation) ([]byte, error) {
	rec := conversationRecord{Step: c.Step(), OrderID: c.BoundOrder()}

	switch s := c.(type) {
	case Idle, AwaitingPayment:
	case ChoosingProduct:
		rec.Kind = s.Kind
	case ChoosingDuration:
		rec.Kind = s.Kind
		rec.Product = s.Product
	case AwaitingExtendKey:
		rec.Product = s.Product
		rec.Days = s.Days
	case ChoosingRedeemProduct:
		rec.Days = s.Days
	default:
		return nil, fmt.Errorf("unknown conversation %T", c)
	}

	return json.Marshal(rec)
}

// DecodeConversation восстанавливает состояние диалога.
func DecodeConversation(data []byte) (Conversation, error) {
	var rec conversationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}

	switch rec.Step {
	case StepIdle, "":
		return Idle{}, nil
	case StepChoosingProduct:
		return ChoosingProduct{Kind: rec.Kind}, nil
	case StepChoosingDuration:
		return ChoosingDuration{Kind: rec.Kind, Product: rec.Product}, nil
	case StepAwaitingExtendKey:
		return AwaitingExtendKey{Product: rec.Product, Days: rec.Days}, nil
	case StepChoosingRedeemProduct:
		return ChoosingRedeemProduct{Days: rec.Days}, nil
	case StepAwaitingPayment:
		return AwaitingPayment{OrderID: rec.OrderID}, nil
	}

	return nil, fmt.Errorf("unknown conversation step %q", rec.Step)
}
