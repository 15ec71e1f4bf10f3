// Package monitor отслеживает оплату заказов: опрашивает шлюз и соблюдает срок жизни QR-кода.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/licensebot/internal/metrics"
	"github.com/mmeshcher/licensebot/internal/model"
	"github.com/mmeshcher/licensebot/internal/payment"
)

const (
	DefaultPollInterval   = 20 * time.Second
	DefaultCheckTimeout   = 10 * time.Second
	DefaultResolveTimeout = 30 * time.Second
)

// StatusChecker запрашивает статус платежа.
type StatusChecker interface {
	CheckStatus(ctx context.Context, reference string) (payment.Status, error)
}

// Resolver применяет исход заказа. Ошибка, которая не реализует Settled() == true,
// считается временной: попытка повторится на следующем тике.
type Resolver interface {
	ResolveCommit(ctx context.Context, orderID string) error
	ResolveExpire(ctx context.Context, orderID string) error
}

// Options задаёт параметры мониторинга.
type Options struct {
	PollInterval   time.Duration
	CheckTimeout   time.Duration
	ResolveTimeout time.Duration
	Now            func() time.Time
	Observer       metrics.Observer
}

// Monitor запускает по одной горутине на каждый ожидающий оплаты заказ.
type Monitor struct {
	checker  StatusChecker
	resolver Resolver
	logger   *zap.Logger
	observer metrics.Observer

	interval       time.Duration
	checkTimeout   time.Duration
	resolveTimeout time.Duration
	now            func() time.Time

	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type outcome int

const (
	outcomeCommit outcome = iota
	outcomeExpire
)

func (o outcome) String() string {
	if o == outcomeCommit {
		return "commit"
	}
	return "expire"
}

// New создаёт монитор. Задачи живут независимо от контекста вызывающего.
func New(checker StatusChecker, resolver Resolver, logger *zap.Logger, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = DefaultResolveTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = metrics.Nop{}
	}

	base, stop := context.WithCancel(context.Background())

	return &Monitor{
		checker:        checker,
		resolver:       resolver,
		logger:         logger,
		observer:       opts.Observer,
		interval:       opts.PollInterval,
		checkTimeout:   opts.CheckTimeout,
		resolveTimeout: opts.ResolveTimeout,
		now:            opts.Now,
		base:           base,
		stop:           stop,
		tasks:          make(map[string]*task),
	}
}

// Watch запускает мониторинг заказа. Возвращает false, если заказ уже отслеживается
// или монитор остановлен.
func (m *Monitor) Watch(o model.Order) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if _, ok := m.tasks[o.ID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(m.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.tasks[o.ID] = t

	m.wg.Add(1)
	m.observer.MonitorStarted()
	go m.run(ctx, t, o)

	return true
}

// Abandon останавливает мониторинг заказа без применения исхода и ждёт завершения задачи.
// Нельзя вызывать из Resolver.
func (m *Monitor) Abandon(orderID string) {
	m.mu.Lock()
	t, ok := m.tasks[orderID]
	if ok {
		delete(m.tasks, orderID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// Watching сообщает, отслеживается ли заказ.
func (m *Monitor) Watching(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[orderID]
	return ok
}

// Active возвращает число работающих задач.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown останавливает все задачи и ждёт их завершения.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context, t *task, o model.Order) {
	defer func() {
		m.mu.Lock()
		if m.tasks[o.ID] == t {
			delete(m.tasks, o.ID)
		}
		m.mu.Unlock()

		t.cancel()
		m.observer.MonitorStopped()
		close(t.done)
		m.wg.Done()
	}()

	log := m.logger.With(zap.String("order", o.ID), zap.Int64("chat", o.ChatID))

	deadline := time.NewTimer(o.ExpiresAt.Sub(m.now()))
	defer deadline.Stop()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if m.poll(ctx, log, o) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			if m.resolve(ctx, log, o, outcomeExpire) {
				return
			}
		case <-ticker.C:
		}
	}
}

// poll выполняет один опрос шлюза. Возвращает true, когда задача должна завершиться.
func (m *Monitor) poll(ctx context.Context, log *zap.Logger, o model.Order) bool {
	if ctx.Err() != nil {
		return true
	}
	if m.pastDeadline(o) {
		return m.resolve(ctx, log, o, outcomeExpire)
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	status, err := m.checker.CheckStatus(checkCtx, o.PaymentRef)
	cancel()

	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		m.observer.PollFailed()
		if errors.Is(err, payment.ErrTransient) {
			log.Debug("payment status lookup failed", zap.Error(err))
		} else {
			log.Warn("payment status lookup failed", zap.Error(err))
		}
		return false
	}

	switch status {
	case payment.StatusPaid:
		// Оплата, увиденная на дедлайне или позже, не подтверждает заказ.
		if m.pastDeadline(o) {
			log.Warn("payment reported after deadline, expiring order", zap.String("reference", o.PaymentRef))
			return m.resolve(ctx, log, o, outcomeExpire)
		}
		return m.resolve(ctx, log, o, outcomeCommit)
	case payment.StatusFailed:
		return m.resolve(ctx, log, o, outcomeExpire)
	default:
		return false
	}
}

func (m *Monitor) pastDeadline(o model.Order) bool {
	return !m.now().Before(o.ExpiresAt)
}

// resolve вызывает Resolver. Возвращает true, если заказ больше не нужно отслеживать.
func (m *Monitor) resolve(ctx context.Context, log *zap.Logger, o model.Order, out outcome) bool {
	if ctx.Err() != nil {
		return true
	}

	// Начатое применение исхода не прерывается отменой задачи, его арбитрирует хранилище.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.resolveTimeout)
	defer cancel()

	var err error
	switch out {
	case outcomeCommit:
		err = m.resolver.ResolveCommit(rctx, o.ID)
	case outcomeExpire:
		err = m.resolver.ResolveExpire(rctx, o.ID)
	}

	if Settled(err) {
		return true
	}

	log.Error("order resolution failed, will retry", zap.Stringer("outcome", out), zap.Error(err))
	return false
}

// Settled сообщает, что после ошибки резолвера заказ уже в терминальном состоянии.
func Settled(err error) bool {
	if err == nil {
		return true
	}
	var s interface{ Settled() bool }
	return errors.As(err, &s) && s.Settled()
}
