package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/licensebot/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const orderColumns = `id::text, chat_id, product, kind, days, price, points, state,
	payment_ref, payment_code, payment_message_id, target_key, license_key,
	created_at, expires_at, resolved_at`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil || i == len(delays) || !isRetryable(err) {
			return err
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Ping проверяет соединение с БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (model.Order, error) {
	var (
		o       model.Order
		product string
		kind    string
		state   string
	)
	err := row.Scan(&o.ID, &o.ChatID, &product, &kind, &o.Days, &o.Price, &o.Points, &state,
		&o.PaymentRef, &o.PaymentCode, &o.PaymentMessageID, &o.TargetKey, &o.LicenseKey,
		&o.CreatedAt, &o.ExpiresAt, &o.ResolvedAt)
	if err != nil {
		return model.Order{}, err
	}
	o.Product = model.Product(product)
	o.Kind = model.OrderKind(kind)
	o.State = model.OrderState(state)
	return o, nil
}

// ReplaceActiveOrder в одной транзакции отменяет активный заказ чата и сохраняет новый.
func (r *PostgresRepository) ReplaceActiveOrder(ctx context.Context, o model.Order) ([]model.Order, error) {
	var cancelled []model.Order

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx,
			`UPDATE orders SET state = $2, resolved_at = NOW()
			 WHERE chat_id = $1 AND state = $3
			 RETURNING `+orderColumns,
			o.ChatID, string(model.OrderStateCancelled), string(model.OrderStateActive),
		)
		if err != nil {
			return fmt.Errorf("cancel active orders: %w", err)
		}
		cancelled, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Order, error) {
			return scanOrder(row)
		})
		if err != nil {
			return fmt.Errorf("scan cancelled orders: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO orders (id, chat_id, product, kind, days, price, points, state,
				payment_ref, payment_code, target_key, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			o.ID, o.ChatID, string(o.Product), string(o.Kind), o.Days, o.Price, o.Points,
			string(model.OrderStateActive), o.PaymentRef, o.PaymentCode, o.TargetKey, o.CreatedAt, o.ExpiresAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrActiveOrderExists
			}
			return fmt.Errorf("insert order: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return cancelled, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, ErrOrderNotFound
		}
		return model.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// SetPaymentMessage запоминает сообщение с QR-кодом заказа.
func (r *PostgresRepository) SetPaymentMessage(ctx context.Context, id string, messageID int) error {
	tag, err := r.pool.Exec(ctx, `UPDATE orders SET payment_message_id = $2 WHERE id = $1`, id, messageID)
	if err != nil {
		return fmt.Errorf("set payment message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CancelOrder переводит заказ из ACTIVE в CANCELLED.
func (r *PostgresRepository) CancelOrder(ctx context.Context, id string) (model.Order, error) {
	return r.transition(ctx, id, model.OrderStateCancelled)
}

// ExpireOrder переводит заказ из ACTIVE в EXPIRED.
func (r *PostgresRepository) ExpireOrder(ctx context.Context, id string) (model.Order, error) {
	return r.transition(ctx, id, model.OrderStateExpired)
}

// transition выполняет compare-and-swap состояния заказа из ACTIVE.
func (r *PostgresRepository) transition(ctx context.Context, id string, to model.OrderState) (model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`UPDATE orders SET state = $2, resolved_at = NOW()
		 WHERE id = $1 AND state = $3
		 RETURNING `+orderColumns,
		id, string(to), string(model.OrderStateActive),
	))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Order{}, fmt.Errorf("update order state: %w", err)
	}

	current, err := r.GetOrder(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	return current, ErrStateConflict
}

// CommitOrder применяет все последствия оплаты заказа в одной транзакции:
// выдаёт или продлевает ключ, двигает баллы и переводит заказ в COMMITTED.
// Если ключ выдать нельзя, заказ переводится в FAILED и заводится запись для сверки.
func (r *PostgresRepository) CommitOrder(ctx context.Context, id string) (model.Receipt, error) {
	var receipt model.Receipt

	err := r.withRetry(ctx, func() error {
		var err error
		receipt, err = r.commitOrder(ctx, id)
		return err
	})

	return receipt, err
}

func (r *PostgresRepository) commitOrder(ctx context.Context, id string) (model.Receipt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Receipt{}, ErrOrderNotFound
		}
		return model.Receipt{}, fmt.Errorf("lock order: %w", err)
	}
	if o.State != model.OrderStateActive {
		return model.Receipt{Order: o}, ErrStateConflict
	}

	if o.Kind == model.KindRedeem {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM points WHERE chat_id = $1 FOR UPDATE`, o.ChatID).Scan(&balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return model.Receipt{}, fmt.Errorf("lock points: %w", err)
		}
		if balance < o.Points {
			if o, err = setState(ctx, tx, o.ID, model.OrderStateCancelled, ""); err != nil {
				return model.Receipt{}, err
			}
			if err := tx.Commit(ctx); err != nil {
				return model.Receipt{}, fmt.Errorf("commit tx: %w", err)
			}
			return model.Receipt{Order: o}, ErrInsufficientPoints
		}
	}

	lic := model.License{Product: o.Product, ChatID: o.ChatID, OrderID: o.ID}
	var reason string
	var failErr error

	switch o.Kind {
	case model.KindExtend:
		err = tx.QueryRow(ctx,
			`UPDATE license_keys
			 SET expires_at = GREATEST(COALESCE(expires_at, NOW()), NOW()) + make_interval(days => $3::int)
			 WHERE key = $1 AND chat_id = $2
			 RETURNING key, expires_at`,
			o.TargetKey, o.ChatID, o.Days,
		).Scan(&lic.Key, &lic.ExpiresAt)
		reason, failErr = reasonNoLicense, ErrLicenseNotFound
	default:
		err = tx.QueryRow(ctx,
			`UPDATE license_keys
			 SET order_id = $1, chat_id = $2, assigned_at = NOW(), expires_at = NOW() + make_interval(days => $3::int)
			 WHERE id = (
			 	SELECT id FROM license_keys
			 	WHERE product = $4 AND order_id IS NULL
			 	ORDER BY id
			 	LIMIT 1
			 	FOR UPDATE SKIP LOCKED
			 )
			 RETURNING key, expires_at`,
			o.ID, o.ChatID, o.Days, string(o.Product),
		).Scan(&lic.Key, &lic.ExpiresAt)
		reason, failErr = reasonNoInventory, ErrNoInventory
	}
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.Receipt{}, fmt.Errorf("assign license: %w", err)
		}
		if o, err = setState(ctx, tx, o.ID, model.OrderStateFailed, ""); err != nil {
			return model.Receipt{}, err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO reconciliations (order_id, chat_id, reason) VALUES ($1, $2, $3)`,
			o.ID, o.ChatID, reason,
		)
		if err != nil {
			return model.Receipt{}, fmt.Errorf("insert reconciliation: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return model.Receipt{}, fmt.Errorf("commit tx: %w", err)
		}
		return model.Receipt{Order: o}, failErr
	}

	var balance int64
	if o.Kind == model.KindRedeem {
		err = tx.QueryRow(ctx,
			`UPDATE points SET balance = balance - $2, updated_at = NOW()
			 WHERE chat_id = $1
			 RETURNING balance`,
			o.ChatID, o.Points,
		).Scan(&balance)
	} else {
		err = tx.QueryRow(ctx,
			`INSERT INTO points (chat_id, balance) VALUES ($1, $2)
			 ON CONFLICT (chat_id) DO UPDATE
			 SET balance = points.balance + EXCLUDED.balance, updated_at = NOW()
			 RETURNING balance`,
			o.ChatID, o.Points,
		).Scan(&balance)
	}
	if err != nil {
		return model.Receipt{}, fmt.Errorf("update points: %w", err)
	}

	if o, err = setState(ctx, tx, o.ID, model.OrderStateCommitted, lic.Key); err != nil {
		return model.Receipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Receipt{}, fmt.Errorf("commit tx: %w", err)
	}

	return model.Receipt{Order: o, License: lic, Balance: balance}, nil
}

func setState(ctx context.Context, tx pgx.Tx, id string, to model.OrderState, licenseKey string) (model.Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx,
		`UPDATE orders SET state = $2, license_key = $3, resolved_at = NOW()
		 WHERE id = $1
		 RETURNING `+orderColumns,
		id, string(to), licenseKey,
	))
	if err != nil {
		return model.Order{}, fmt.Errorf("set order state: %w", err)
	}
	return o, nil
}

// ListActiveOrders возвращает все заказы в состоянии ACTIVE.
func (r *PostgresRepository) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE state = $1 ORDER BY created_at`,
		string(model.OrderStateActive),
	)
	if err != nil {
		return nil, fmt.Errorf("select active orders: %w", err)
	}

	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return orders, nil
}

// GetPoints возвращает баланс баллов чата.
func (r *PostgresRepository) GetPoints(ctx context.Context, chatID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM points WHERE chat_id = $1`, chatID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get points: %w", err)
	}
	return balance, nil
}

// GetLicense возвращает выданный ключ.
func (r *PostgresRepository) GetLicense(ctx context.Context, key string) (model.License, error) {
	var (
		lic     model.License
		product string
		chatID  *int64
		orderID *string
		expires *time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT key, product, chat_id, order_id::text, expires_at FROM license_keys WHERE key = $1`,
		key,
	).Scan(&lic.Key, &product, &chatID, &orderID, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.License{}, ErrLicenseNotFound
		}
		return model.License{}, fmt.Errorf("get license: %w", err)
	}
	if chatID == nil {
		// Ключ ещё в пуле и никому не принадлежит.
		return model.License{}, ErrLicenseNotFound
	}

	lic.Product = model.Product(product)
	lic.ChatID = *chatID
	if orderID != nil {
		lic.OrderID = *orderID
	}
	if expires != nil {
		lic.ExpiresAt = *expires
	}
	return lic, nil
}

// AvailableKeys возвращает число свободных ключей продукта.
func (r *PostgresRepository) AvailableKeys(ctx context.Context, product model.Product) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM license_keys WHERE product = $1 AND order_id IS NULL`,
		string(product),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count keys: %w", err)
	}
	return n, nil
}

// AddLicenseKeys добавляет ключи в пул продукта, пропуская уже известные.
func (r *PostgresRepository) AddLicenseKeys(ctx context.Context, product model.Product, keys []string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var added int64
	for _, k := range keys {
		tag, err := tx.Exec(ctx,
			`INSERT INTO license_keys (product, key) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
			string(product), k,
		)
		if err != nil {
			return 0, fmt.Errorf("insert key: %w", err)
		}
		added += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return added, nil
}
