package service

import "errors"

// resolutionError описывает исход, после которого заказ уже терминальный.
type resolutionError struct {
	msg string
}

func (e *resolutionError) Error() string { return e.msg }

// Settled сообщает монитору оплаты, что повторная попытка не нужна.
func (e *resolutionError) Settled() bool { return true }

var (
	// ErrAlreadyResolved возвращается, если заказ уже не в состоянии ACTIVE.
	ErrAlreadyResolved error = &resolutionError{"order already resolved"}
	// ErrInventoryExhausted возвращается, если оплата получена, а ключей в пуле нет.
	// Заказ переводится в FAILED и ждёт ручной сверки.
	ErrInventoryExhausted error = &resolutionError{"license inventory exhausted"}
	// ErrLicenseMissing возвращается, если продлеваемый ключ исчез к моменту подтверждения.
	ErrLicenseMissing error = &resolutionError{"license to extend is missing"}
)

var (
	// ErrUnauthorized возвращается при обращении к заказу другого чата.
	ErrUnauthorized = errors.New("order belongs to another chat")
	// ErrStoreConflict возвращается, если параллельно создан другой активный заказ чата.
	ErrStoreConflict = errors.New("order store conflict")
)

// ValidationError описывает отклонённый до создания заказа запрос.
// Message показывается пользователю.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// Settled: отклонённый запрос не меняет состояние, повторять его бессмысленно.
func (e *ValidationError) Settled() bool { return true }

func invalid(reason, message string) error {
	return &ValidationError{Reason: reason, Message: message}
}
