// Package service реализует жизненный цикл заказов: создание, подтверждение оплаты и истечение.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/licensebot/internal/catalog"
	"github.com/mmeshcher/licensebot/internal/events"
	"github.com/mmeshcher/licensebot/internal/metrics"
	"github.com/mmeshcher/licensebot/internal/model"
	"github.com/mmeshcher/licensebot/internal/monitor"
	"github.com/mmeshcher/licensebot/internal/payment"
	"github.com/mmeshcher/licensebot/internal/repository"
	"github.com/mmeshcher/licensebot/internal/validation"
)

const (
	DefaultPaymentTimeout = 10 * time.Minute
	DefaultSweepInterval  = time.Minute
)

// Store описывает контракт хранилища заказов, ключей и баллов, используемый координатором.
type Store interface {
	Ping(ctx context.Context) error
	ReplaceActiveOrder(ctx context.Context, o model.Order) ([]model.Order, error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
	SetPaymentMessage(ctx context.Context, id string, messageID int) error
	CancelOrder(ctx context.Context, id string) (model.Order, error)
	ExpireOrder(ctx context.Context, id string) (model.Order, error)
	CommitOrder(ctx context.Context, id string) (model.Receipt, error)
	ListActiveOrders(ctx context.Context) ([]model.Order, error)
	GetPoints(ctx context.Context, chatID int64) (int64, error)
	GetLicense(ctx context.Context, key string) (model.License, error)
	AvailableKeys(ctx context.Context, product model.Product) (int64, error)
}

// ConversationStore хранит состояние диалога чата.
type ConversationStore interface {
	Get(ctx context.Context, chatID int64) (model.Conversation, error)
	Set(ctx context.Context, chatID int64, c model.Conversation) error
	Clear(ctx context.Context, chatID int64) error
	ClearIfBound(ctx context.Context, chatID int64, orderID string) (bool, error)
}

// Gateway описывает платёжный шлюз QRIS.
type Gateway interface {
	CreatePaymentCode(ctx context.Context, orderID string, amount int64) (payment.Code, error)
	CheckStatus(ctx context.Context, reference string) (payment.Status, error)
}

// Messenger отправляет сообщения в чат. Ошибки доставки не откатывают состояние заказа.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb model.Keyboard) (int, error)
	SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string, kb model.Keyboard) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, kb model.Keyboard) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	AcknowledgeCallback(ctx context.Context, callbackID, text string) error
}

// Deps содержит зависимости координатора.
type Deps struct {
	Store         Store
	Conversations ConversationStore
	Gateway       Gateway
	Messenger     Messenger
	Catalog       *catalog.Catalog
	Publisher     events.Publisher
	Observer      metrics.Observer
	Logger        *zap.Logger
}

// Options задаёт параметры жизненного цикла заказов.
type Options struct {
	PaymentTimeout time.Duration
	PollInterval   time.Duration
	SweepInterval  time.Duration
	AdminContact   string
	Now            func() time.Time
}

// Coordinator управляет заказами и единолично применяет их исходы.
type Coordinator struct {
	store         Store
	conversations ConversationStore
	gateway       Gateway
	messenger     Messenger
	catalog       *catalog.Catalog
	publisher     events.Publisher
	observer      metrics.Observer
	logger        *zap.Logger

	monitor *monitor.Monitor
	chats   *chatLocks

	paymentTimeout time.Duration
	sweepInterval  time.Duration
	adminContact   string
	now            func() time.Time
	renderQR       func(content string) ([]byte, error)
}

// NewCoordinator создаёт координатор и его монитор оплаты.
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = DefaultPaymentTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Observer == nil {
		deps.Observer = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	c := &Coordinator{
		store:          deps.Store,
		conversations:  deps.Conversations,
		gateway:        deps.Gateway,
		messenger:      deps.Messenger,
		catalog:        deps.Catalog,
		publisher:      deps.Publisher,
		observer:       deps.Observer,
		logger:         deps.Logger,
		paymentTimeout: opts.PaymentTimeout,
		sweepInterval:  opts.SweepInterval,
		adminContact:   opts.AdminContact,
		now:            opts.Now,
		renderQR:       payment.RenderQR,
		chats:          newChatLocks(),
	}

	c.monitor = monitor.New(deps.Gateway, c, deps.Logger.Named("monitor"), monitor.Options{
		PollInterval: opts.PollInterval,
		Now:          opts.Now,
		Observer:     deps.Observer,
	})

	return c
}

// Catalog возвращает прайс-лист.
func (c *Coordinator) Catalog() *catalog.Catalog {
	return c.catalog
}

// Ping проверяет доступность хранилища.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Points возвращает баланс баллов чата.
func (c *Coordinator) Points(ctx context.Context, chatID int64) (int64, error) {
	return c.store.GetPoints(ctx, chatID)
}

// Watching сообщает, отслеживается ли оплата заказа.
func (c *Coordinator) Watching(orderID string) bool {
	return c.monitor.Watching(orderID)
}

// CreateOrder проверяет запрос, заменяет активный заказ чата новым и запускает мониторинг оплаты.
// Заказ REDEEM не требует оплаты и подтверждается сразу.
// Создание и отмена заказов одного чата выполняются строго по очереди.
func (c *Coordinator) CreateOrder(ctx context.Context, chatID int64, product model.Product, kind model.OrderKind, days int, targetKey string) (model.Order, error) {
	unlock, err := c.chats.lock(ctx, chatID)
	if err != nil {
		return model.Order{}, fmt.Errorf("lock chat: %w", err)
	}
	defer unlock()

	o, err := c.prepareOrder(ctx, chatID, product, kind, days, targetKey)
	if err != nil {
		return model.Order{}, err
	}

	log := c.logger.With(zap.String("order", o.ID), zap.Int64("chat", chatID), zap.String("kind", string(kind)))

	if kind != model.KindRedeem {
		code, err := c.gateway.CreatePaymentCode(ctx, o.ID, o.Price)
		if err != nil {
			return model.Order{}, fmt.Errorf("create payment code: %w", err)
		}
		o.PaymentRef = code.Reference
		o.PaymentCode = code.QR
	}

	superseded, err := c.store.ReplaceActiveOrder(ctx, o)
	if err != nil {
		if o.PaymentRef != "" {
			log.Warn("payment code left without order", zap.String("payment_ref", o.PaymentRef), zap.Error(err))
		}
		if errors.Is(err, repository.ErrActiveOrderExists) {
			return model.Order{}, ErrStoreConflict
		}
		return model.Order{}, fmt.Errorf("save order: %w", err)
	}
	for _, prev := range superseded {
		c.monitor.Abandon(prev.ID)
		log.Info("order superseded", zap.String("previous", prev.ID))
		c.finish(ctx, prev)
	}

	c.observer.OrderCreated(string(kind))

	if kind == model.KindRedeem {
		return c.commitRedeem(ctx, o)
	}

	if err := c.sendPaymentCode(ctx, &o); err != nil {
		log.Error("could not deliver payment code, cancelling order", zap.Error(err))
		if cancelled, cerr := c.store.CancelOrder(context.WithoutCancel(ctx), o.ID); cerr == nil {
			c.finish(ctx, cancelled)
		}
		return model.Order{}, fmt.Errorf("send payment code: %w", err)
	}

	if err := c.conversations.Set(ctx, chatID, model.AwaitingPayment{OrderID: o.ID}); err != nil {
		log.Warn("could not bind conversation to order", zap.Error(err))
	}

	c.monitor.Watch(o)
	log.Info("order created", zap.Int64("price", o.Price), zap.Int("days", o.Days))

	return o, nil
}

func (c *Coordinator) prepareOrder(ctx context.Context, chatID int64, product model.Product, kind model.OrderKind, days int, targetKey string) (model.Order, error) {
	if _, ok := c.catalog.Product(product); !ok {
		return model.Order{}, invalid("unknown product", "❌ Produk tidak tersedia.")
	}

	now := c.now()
	o := model.Order{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Product:   product,
		Kind:      kind,
		Days:      days,
		State:     model.OrderStateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(c.paymentTimeout),
	}

	switch kind {
	case model.KindNew, model.KindExtend:
		plan, err := c.catalog.Plan(days)
		if err != nil {
			return model.Order{}, invalid("unknown plan", "❌ Durasi tidak tersedia.")
		}
		o.Price = plan.Price
		o.Points = plan.Points
	case model.KindRedeem:
		cost, err := c.catalog.RedeemCost(days)
		if err != nil {
			return model.Order{}, invalid("unknown redeem rate", "❌ Durasi penukaran tidak tersedia.")
		}
		balance, err := c.store.GetPoints(ctx, chatID)
		if err != nil {
			return model.Order{}, fmt.Errorf("get points: %w", err)
		}
		if balance < cost {
			return model.Order{}, invalid("insufficient points",
				fmt.Sprintf("❌ Point tidak cukup.\n\nDibutuhkan %d points, point Anda %d.", cost, balance))
		}
		o.Points = cost
	default:
		return model.Order{}, invalid("unknown order kind", "❌ Jenis pesanan tidak dikenali.")
	}

	if kind == model.KindExtend {
		key, ok := validation.NormalizeLicenseKey(targetKey)
		if !ok {
			return model.Order{}, invalid("malformed license key", "❌ Format key tidak valid.")
		}
		lic, err := c.store.GetLicense(ctx, key)
		if errors.Is(err, repository.ErrLicenseNotFound) || (err == nil && lic.ChatID != chatID) {
			return model.Order{}, invalid("license not owned", "❌ Key tidak ditemukan pada akun Anda.")
		}
		if err != nil {
			return model.Order{}, fmt.Errorf("get license: %w", err)
		}
		if lic.Product != product {
			return model.Order{}, invalid("license product mismatch", "❌ Key ini bukan untuk produk yang dipilih.")
		}
		o.TargetKey = key
		return o, nil
	}

	available, err := c.store.AvailableKeys(ctx, product)
	if err != nil {
		return model.Order{}, fmt.Errorf("count available keys: %w", err)
	}
	if available == 0 {
		return model.Order{}, invalid("out of stock", "❌ Stok key sedang habis. Silakan coba lagi nanti.")
	}

	return o, nil
}

func (c *Coordinator) sendPaymentCode(ctx context.Context, o *model.Order) error {
	png, err := c.renderQR(o.PaymentCode)
	if err != nil {
		return err
	}

	msgID, err := c.messenger.SendPhoto(ctx, o.ChatID, png, c.paymentCaption(*o), paymentKeyboard(*o))
	if err != nil {
		return err
	}
	o.PaymentMessageID = msgID

	if err := c.store.SetPaymentMessage(ctx, o.ID, msgID); err != nil {
		c.logger.Warn("could not store payment message id", zap.String("order", o.ID), zap.Error(err))
	}
	return nil
}

func (c *Coordinator) commitRedeem(ctx context.Context, o model.Order) (model.Order, error) {
	if err := c.ResolveCommit(ctx, o.ID); err != nil {
		if errors.Is(err, repository.ErrInsufficientPoints) {
			return model.Order{}, invalid("insufficient points", insufficientPointsText(o))
		}
		return model.Order{}, err
	}

	if err := c.conversations.Clear(ctx, o.ChatID); err != nil {
		c.logger.Warn("could not clear conversation", zap.Int64("chat", o.ChatID), zap.Error(err))
	}

	committed, err := c.store.GetOrder(ctx, o.ID)
	if err != nil {
		return model.Order{}, fmt.Errorf("get order: %w", err)
	}
	return committed, nil
}

// ResolveCommit подтверждает оплату заказа: выдаёт или продлевает ключ и двигает баллы.
// Повторный вызов возвращает ErrAlreadyResolved и ничего не меняет.
func (c *Coordinator) ResolveCommit(ctx context.Context, orderID string) error {
	log := c.logger.With(zap.String("order", orderID))

	receipt, err := c.store.CommitOrder(ctx, orderID)
	switch {
	case errors.Is(err, repository.ErrStateConflict), errors.Is(err, repository.ErrOrderNotFound):
		log.Debug("commit skipped, order already resolved")
		return ErrAlreadyResolved
	case errors.Is(err, repository.ErrNoInventory):
		log.Error("payment received but license pool is empty, order needs reconciliation")
		c.finish(ctx, receipt.Order)
		c.notify(ctx, receipt.Order.ChatID, c.fulfillmentFailedText(receipt.Order), nil)
		return ErrInventoryExhausted
	case errors.Is(err, repository.ErrLicenseNotFound):
		log.Error("payment received but license to extend is missing, order needs reconciliation",
			zap.String("key", receipt.Order.TargetKey))
		c.finish(ctx, receipt.Order)
		c.notify(ctx, receipt.Order.ChatID, c.fulfillmentFailedText(receipt.Order), nil)
		return ErrLicenseMissing
	case errors.Is(err, repository.ErrInsufficientPoints):
		log.Info("redeem cancelled, balance changed")
		c.finish(ctx, receipt.Order)
		return fmt.Errorf("%w: %w", &ValidationError{Reason: "insufficient points"}, err)
	case err != nil:
		return fmt.Errorf("commit order %s: %w", orderID, err)
	}

	c.finish(ctx, receipt.Order)
	c.notify(ctx, receipt.Order.ChatID, c.successText(receipt), nil)

	log.Info("order committed",
		zap.Int64("chat", receipt.Order.ChatID),
		zap.String("kind", string(receipt.Order.Kind)),
		zap.Int64("balance", receipt.Balance))
	return nil
}

// ResolveExpire переводит заказ в EXPIRED. Баллы и ключи не затрагиваются.
func (c *Coordinator) ResolveExpire(ctx context.Context, orderID string) error {
	o, err := c.store.ExpireOrder(ctx, orderID)
	if errors.Is(err, repository.ErrStateConflict) || errors.Is(err, repository.ErrOrderNotFound) {
		c.logger.Debug("expire skipped, order already resolved", zap.String("order", orderID))
		return ErrAlreadyResolved
	}
	if err != nil {
		return fmt.Errorf("expire order %s: %w", orderID, err)
	}

	c.finish(ctx, o)
	c.notify(ctx, o.ChatID, expiredText(o), afterResolveKeyboard())

	c.logger.Info("order expired", zap.String("order", o.ID), zap.Int64("chat", o.ChatID))
	return nil
}

// CancelOrder отменяет заказ по запросу пользователя. Чужой заказ отклоняется с ErrUnauthorized.
func (c *Coordinator) CancelOrder(ctx context.Context, chatID int64, orderID string) error {
	unlock, err := c.chats.lock(ctx, chatID)
	if err != nil {
		return fmt.Errorf("lock chat: %w", err)
	}
	defer unlock()

	o, err := c.store.GetOrder(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("get order: %w", err)
	}
	if o.ChatID != chatID {
		c.logger.Warn("cancel of foreign order rejected", zap.String("order", orderID), zap.Int64("chat", chatID))
		return ErrUnauthorized
	}
	if o.State.Terminal() {
		return ErrAlreadyResolved
	}

	c.monitor.Abandon(orderID)

	cancelled, err := c.store.CancelOrder(ctx, orderID)
	if errors.Is(err, repository.ErrStateConflict) {
		return ErrAlreadyResolved
	}
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	c.finish(ctx, cancelled)
	c.notify(ctx, chatID, cancelledText(cancelled), afterResolveKeyboard())

	c.logger.Info("order cancelled by user", zap.String("order", orderID), zap.Int64("chat", chatID))
	return nil
}

// finish выполняет общие последствия терминального перехода: убирает QR-код,
// освобождает диалог, публикует событие.
func (c *Coordinator) finish(ctx context.Context, o model.Order) {
	log := c.logger.With(zap.String("order", o.ID), zap.Int64("chat", o.ChatID))

	if o.PaymentMessageID != 0 {
		if err := c.messenger.DeleteMessage(ctx, o.ChatID, o.PaymentMessageID); err != nil {
			log.Warn("could not delete payment message", zap.Error(err))
		}
	}

	if _, err := c.conversations.ClearIfBound(ctx, o.ChatID, o.ID); err != nil {
		log.Warn("could not clear conversation", zap.Error(err))
	}

	if err := c.publisher.Publish(ctx, events.FromOrder(o)); err != nil {
		log.Warn("could not publish order event", zap.Error(err))
	}

	c.observer.OrderResolved(string(o.State))
}

func (c *Coordinator) notify(ctx context.Context, chatID int64, text string, kb model.Keyboard) {
	if _, err := c.messenger.SendMessage(ctx, chatID, text, kb); err != nil {
		c.logger.Warn("could not notify chat", zap.Int64("chat", chatID), zap.Error(err))
	}
}

// Recover возобновляет мониторинг активных заказов после перезапуска.
// Просроченные заказы сразу истекают.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	orders, err := c.store.ListActiveOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active orders: %w", err)
	}

	watched := 0
	for _, o := range orders {
		if !c.now().Before(o.ExpiresAt) {
			if err := c.ResolveExpire(ctx, o.ID); err != nil && !errors.Is(err, ErrAlreadyResolved) {
				c.logger.Error("could not expire stale order", zap.String("order", o.ID), zap.Error(err))
			}
			continue
		}
		if c.monitor.Watch(o) {
			watched++
		}
	}

	c.logger.Info("active orders recovered", zap.Int("total", len(orders)), zap.Int("watched", watched))
	return watched, nil
}

// StartExpirySweeper запускает фоновую проверку активных заказов без монитора.
func (c *Coordinator) StartExpirySweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(ctx)
			}
		}
	}()
}

func (c *Coordinator) sweep(ctx context.Context) {
	orders, err := c.store.ListActiveOrders(ctx)
	if err != nil {
		c.logger.Warn("sweeper could not list active orders", zap.Error(err))
		return
	}

	for _, o := range orders {
		if c.monitor.Watching(o.ID) {
			continue
		}
		if c.now().Before(o.ExpiresAt) {
			c.monitor.Watch(o)
			continue
		}
		if err := c.ResolveExpire(ctx, o.ID); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			c.logger.Warn("sweeper could not expire order", zap.String("order", o.ID), zap.Error(err))
		}
	}
}

// Shutdown останавливает мониторы оплаты. Заказы остаются ACTIVE и подхватываются Recover.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.monitor.Shutdown(ctx)
}
