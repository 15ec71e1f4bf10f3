// Package repository содержит хранилища заказов, ключей и баллов.
package repository

import "errors"

var (
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrStateConflict возвращается, если заказ уже не в состоянии ACTIVE.
	ErrStateConflict = errors.New("order state conflict")
	// ErrActiveOrderExists возвращается, если параллельно создан другой активный заказ чата.
	ErrActiveOrderExists = errors.New("chat already has an active order")
	// ErrNoInventory возвращается, если в пуле продукта нет свободных ключей.
	ErrNoInventory = errors.New("license pool is empty")
	// ErrInsufficientPoints возвращается, если баллов не хватает на обмен.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrLicenseNotFound возвращается, если ключ не найден.
	ErrLicenseNotFound = errors.New("license not found")
)

const reasonNoInventory = "license pool empty at commit"
const reasonNoLicense = "license to extend not found at commit"
