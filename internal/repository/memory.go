package repository

import (
	"context"
	"sync"
	"time"

	"github.com/mmeshcher/licensebot/internal/model"
)

// Reconciliation описывает заказ, требующий ручной сверки.
type Reconciliation struct {
	OrderID string
	ChatID  int64
	Reason  string
}

// MemoryRepository хранит данные в памяти процесса.
// Используется в тестах и при запуске без DATABASE_URI.
type MemoryRepository struct {
	mu sync.Mutex

	now func() time.Time

	orders   map[string]model.Order
	active   map[int64]string
	pool     map[model.Product][]string
	licenses map[string]model.License
	points   map[int64]int64

	reconciliations []Reconciliation
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:      time.Now,
		orders:   make(map[string]model.Order),
		active:   make(map[int64]string),
		pool:     make(map[model.Product][]string),
		licenses: make(map[string]model.License),
		points:   make(map[int64]int64),
	}
}

// Ping всегда успешен.
func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

// ReplaceActiveOrder отменяет активный заказ чата и сохраняет новый.
func (r *MemoryRepository) ReplaceActiveOrder(ctx context.Context, o model.Order) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cancelled []model.Order
	if id, ok := r.active[o.ChatID]; ok {
		prev := r.orders[id]
		r.resolveLocked(&prev, model.OrderStateCancelled)
		cancelled = append(cancelled, prev)
	}

	o.State = model.OrderStateActive
	r.orders[o.ID] = o
	r.active[o.ChatID] = o.ID

	return cancelled, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *MemoryRepository) GetOrder(ctx context.Context, id string) (model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return model.Order{}, ErrOrderNotFound
	}
	return o, nil
}

// SetPaymentMessage запоминает сообщение с QR-кодом заказа.
func (r *MemoryRepository) SetPaymentMessage(ctx context.Context, id string, messageID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.PaymentMessageID = messageID
	r.orders[id] = o
	return nil
}

// CancelOrder переводит заказ из ACTIVE в CANCELLED.
func (r *MemoryRepository) CancelOrder(ctx context.Context, id string) (model.Order, error) {
	return r.transition(id, model.OrderStateCancelled)
}

// ExpireOrder переводит заказ из ACTIVE в EXPIRED.
func (r *MemoryRepository) ExpireOrder(ctx context.Context, id string) (model.Order, error) {
	return r.transition(id, model.OrderStateExpired)
}

func (r *MemoryRepository) transition(id string, to model.OrderState) (model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return model.Order{}, ErrOrderNotFound
	}
	if o.State != model.OrderStateActive {
		return o, ErrStateConflict
	}
	r.resolveLocked(&o, to)
	return o, nil
}

func (r *MemoryRepository) resolveLocked(o *model.Order, to model.OrderState) {
	now := r.now()
	o.State = to
	o.ResolvedAt = &now
	r.orders[o.ID] = *o
	if r.active[o.ChatID] == o.ID {
		delete(r.active, o.ChatID)
	}
}

// CommitOrder применяет все последствия оплаты заказа атомарно.
func (r *MemoryRepository) CommitOrder(ctx context.Context, id string) (model.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return model.Receipt{}, ErrOrderNotFound
	}
	if o.State != model.OrderStateActive {
		return model.Receipt{Order: o}, ErrStateConflict
	}

	if o.Kind == model.KindRedeem && r.points[o.ChatID] < o.Points {
		r.resolveLocked(&o, model.OrderStateCancelled)
		return model.Receipt{Order: o}, ErrInsufficientPoints
	}

	now := r.now()
	var lic model.License

	switch o.Kind {
	case model.KindExtend:
		existing, ok := r.licenses[o.TargetKey]
		if !ok || existing.ChatID != o.ChatID {
			r.failLocked(&o, reasonNoLicense)
			return model.Receipt{Order: o}, ErrLicenseNotFound
		}
		lic = existing
		lic.ExpiresAt = extendFrom(lic.ExpiresAt, now, o.Days)
	default:
		keys := r.pool[o.Product]
		if len(keys) == 0 {
			r.failLocked(&o, reasonNoInventory)
			return model.Receipt{Order: o}, ErrNoInventory
		}
		r.pool[o.Product] = keys[1:]
		lic = model.License{
			Key:       keys[0],
			Product:   o.Product,
			ChatID:    o.ChatID,
			OrderID:   o.ID,
			ExpiresAt: now.AddDate(0, 0, o.Days),
		}
	}
	r.licenses[lic.Key] = lic

	if o.Kind == model.KindRedeem {
		r.points[o.ChatID] -= o.Points
	} else {
		r.points[o.ChatID] += o.Points
	}

	o.LicenseKey = lic.Key
	r.resolveLocked(&o, model.OrderStateCommitted)

	return model.Receipt{Order: o, License: lic, Balance: r.points[o.ChatID]}, nil
}

func (r *MemoryRepository) failLocked(o *model.Order, reason string) {
	r.resolveLocked(o, model.OrderStateFailed)
	r.reconciliations = append(r.reconciliations, Reconciliation{OrderID: o.ID, ChatID: o.ChatID, Reason: reason})
}

// ListActiveOrders возвращает все заказы в состоянии ACTIVE.
func (r *MemoryRepository) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.Order, 0, len(r.active))
	for _, id := range r.active {
		res = append(res, r.orders[id])
	}
	return res, nil
}

// GetPoints возвращает баланс баллов чата.
func (r *MemoryRepository) GetPoints(ctx context.Context, chatID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.points[chatID], nil
}

// AddPoints начисляет баллы напрямую. Нужен для наполнения тестовых данных.
func (r *MemoryRepository) AddPoints(chatID int64, points int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[chatID] += points
}

// GetLicense возвращает выданный ключ.
func (r *MemoryRepository) GetLicense(ctx context.Context, key string) (model.License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lic, ok := r.licenses[key]
	if !ok {
		return model.License{}, ErrLicenseNotFound
	}
	return lic, nil
}

// AvailableKeys возвращает число свободных ключей продукта.
func (r *MemoryRepository) AvailableKeys(ctx context.Context, product model.Product) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.pool[product])), nil
}

// AddLicenseKeys добавляет ключи в пул продукта, пропуская уже известные.
func (r *MemoryRepository) AddLicenseKeys(ctx context.Context, product model.Product, keys []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := make(map[string]bool)
	for _, ks := range r.pool {
		for _, k := range ks {
			known[k] = true
		}
	}

	var added int64
	for _, k := range keys {
		if known[k] {
			continue
		}
		if _, ok := r.licenses[k]; ok {
			continue
		}
		known[k] = true
		r.pool[product] = append(r.pool[product], k)
		added++
	}
	return added, nil
}

// Reconciliations возвращает заказы, ожидающие ручной сверки.
func (r *MemoryRepository) Reconciliations() []Reconciliation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reconciliation(nil), r.reconciliations...)
}

func extendFrom(current, now time.Time, days int) time.Time {
	if current.Before(now) {
		current = now
	}
	return current.AddDate(0, 0, days)
}
