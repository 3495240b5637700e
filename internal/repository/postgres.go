// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mydisha/inveet-next-sub003/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrPackageNotFound возвращается, если тарифный пакет не найден.
	ErrPackageNotFound = errors.New("package not found")
	// ErrInvoiceNumberTaken возвращается при коллизии номера счёта.
	ErrInvoiceNumberTaken = errors.New("invoice number already taken")
	// ErrUniquePriceTaken возвращается, если надбавка к сумме уже занята другим ожидающим заказом.
	ErrUniquePriceTaken = errors.New("unique price offset already taken")
	// ErrCouponExhausted возвращается, если лимит применений купона исчерпан на момент погашения.
	ErrCouponExhausted = errors.New("coupon usage limit exhausted")
	// ErrOrderAlreadyPaid возвращается при попытке отменить уже оплаченный заказ.
	ErrOrderAlreadyPaid = errors.New("order already paid")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса заказа.
	ErrInvalidTransition = errors.New("invalid order status transition")
)

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

// withRetry повторяет транзакцию при сбоях сериализации и взаимоблокировках.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetPackage возвращает тарифный пакет по идентификатору.
func (r *PostgresRepository) GetPackage(ctx context.Context, id int64) (*model.Package, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, price, is_active FROM packages WHERE id = $1`,
		id,
	)

	var p model.Package
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("get package: %w", err)
	}

	return &p, nil
}

const couponColumns = `id, code, type, value, minimum_amount, maximum_discount,
	usage_limit, usage_count, user_limit, starts_at, expires_at, is_active,
	applicable_packages, applicable_users`

// GetCouponByCode возвращает купон по нормализованному коду или nil, если купона нет.
func (r *PostgresRepository) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = $1`,
		code,
	)

	var c model.Coupon
	err := row.Scan(
		&c.ID, &c.Code, &c.Type, &c.Value, &c.MinimumAmount, &c.MaximumDiscount,
		&c.UsageLimit, &c.UsageCount, &c.UserLimit, &c.StartsAt, &c.ExpiresAt, &c.IsActive,
		&c.ApplicablePackages, &c.ApplicableUsers,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	return &c, nil
}

// CountCouponUsageByUser возвращает число погашений купона указанным пользователем.
func (r *PostgresRepository) CountCouponUsageByUser(ctx context.Context, couponID, userID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`,
		couponID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count coupon usage: %w", err)
	}
	return count, nil
}

// CreateOrder сохраняет новый заказ в статусе pending_payment и возвращает его идентификатор.
// Коллизии номера счёта и надбавки к сумме транслируются в типизированные ошибки,
// чтобы вызывающая сторона могла повторить попытку с новыми значениями.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (
			public_id, user_id, package_id, wedding_id, invoice_number,
			total_price, discount_amount, final_price, unique_price,
			coupon_id, payment_type, status, expired_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		o.PublicID, o.UserID, o.PackageID, o.WeddingID, o.InvoiceNumber,
		o.TotalPrice, o.DiscountAmount, o.FinalPrice, o.UniquePrice,
		o.CouponID, o.PaymentType, string(o.Status), o.ExpiredAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			switch pgErr.ConstraintName {
			case "orders_invoice_number_key":
				return 0, ErrInvoiceNumberTaken
			case "orders_pending_unique_price_idx":
				return 0, ErrUniquePriceTaken
			}
			return 0, fmt.Errorf("insert order conflict: %w", err)
		}
		return 0, fmt.Errorf("insert order: %w", err)
	}

	return id, nil
}

// SetOrderPayment сохраняет ссылку на оплату и идентификатор счёта в шлюзе.
func (r *PostgresRepository) SetOrderPayment(ctx context.Context, orderID int64, paymentURL, externalID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET payment_url = $2, external_transaction_id = $3, updated_at = now() WHERE id = $1`,
		orderID, paymentURL, externalID,
	)
	if err != nil {
		return fmt.Errorf("set order payment: %w", err)
	}
	return nil
}

const orderColumns = `id, public_id, user_id, package_id, wedding_id, invoice_number,
	total_price, discount_amount, final_price, unique_price, coupon_id,
	payment_type, status, is_paid, paid_at, is_void, void_at, expired_at,
	last_checked_at, payment_url, external_transaction_id, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status string
	err := row.Scan(
		&o.ID, &o.PublicID, &o.UserID, &o.PackageID, &o.WeddingID, &o.InvoiceNumber,
		&o.TotalPrice, &o.DiscountAmount, &o.FinalPrice, &o.UniquePrice, &o.CouponID,
		&o.PaymentType, &status, &o.IsPaid, &o.PaidAt, &o.IsVoid, &o.VoidAt, &o.ExpiredAt,
		&o.LastCheckedAt, &o.PaymentURL, &o.ExternalTransactionID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// GetOrderByPublicID возвращает заказ по внешнему непрозрачному идентификатору.
func (r *PostgresRepository) GetOrderByPublicID(ctx context.Context, publicID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE public_id = $1`, publicID)
	return scanOrder(row)
}

// GetOrderByInvoiceNumber возвращает заказ по номеру счёта.
func (r *PostgresRepository) GetOrderByInvoiceNumber(ctx context.Context, invoiceNumber string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE invoice_number = $1`, invoiceNumber)
	return scanOrder(row)
}

// GetOrderByExternalID возвращает заказ по идентификатору счёта в платёжном шлюзе.
func (r *PostgresRepository) GetOrderByExternalID(ctx context.Context, externalID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE external_transaction_id = $1`, externalID)
	return scanOrder(row)
}

// GetOrdersByUser возвращает заказы пользователя от новых к старым.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// MarkOrderPaid переводит заказ из pending_payment в paid и погашает привязанный купон
// в одной транзакции. Повторный вызов для уже оплаченного заказа — успешный no-op,
// что делает обработку дублей вебхука идемпотентной.
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, orderID int64, externalTxID string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			status   string
			userID   int64
			couponID *int64
			discount int64
			final    int64
		)
		err = tx.QueryRow(ctx,
			`SELECT status, user_id, coupon_id, discount_amount, final_price
			 FROM orders WHERE id = $1 FOR UPDATE`,
			orderID,
		).Scan(&status, &userID, &couponID, &discount, &final)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if model.OrderStatus(status) == model.OrderStatusPaid {
			return nil
		}
		if model.OrderStatus(status) != model.OrderStatusPendingPayment {
			return ErrInvalidTransition
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders
			 SET status = $2, is_paid = TRUE, paid_at = now(),
			     external_transaction_id = $3, updated_at = now()
			 WHERE id = $1`,
			orderID, string(model.OrderStatusPaid), externalTxID,
		)
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}

		if couponID != nil {
			if err := redeemCouponTx(ctx, tx, *couponID, userID, orderID, discount, final); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// RedeemCoupon атомарно погашает купон для заказа.
// Повторное погашение той же пары (купон, заказ) — успешный no-op.
func (r *PostgresRepository) RedeemCoupon(ctx context.Context, couponID, userID, orderID, discountAmount, orderAmount int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := redeemCouponTx(ctx, tx, couponID, userID, orderID, discountAmount, orderAmount); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// redeemCouponTx вставляет запись погашения и увеличивает счётчик применений.
// Лимит перепроверяется условным UPDATE внутри транзакции: результату более
// ранней валидации при конкурентных оформлениях доверять нельзя.
func redeemCouponTx(ctx context.Context, tx pgx.Tx, couponID, userID, orderID, discountAmount, orderAmount int64) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO coupon_usages (coupon_id, user_id, order_id, discount_amount, order_amount)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (coupon_id, order_id) DO NOTHING`,
		couponID, userID, orderID, discountAmount, orderAmount,
	)
	if err != nil {
		return fmt.Errorf("insert coupon usage: %w", err)
	}

	// Запись уже существует: заказ погасил этот купон раньше.
	if tag.RowsAffected() == 0 {
		return nil
	}

	tag, err = tx.Exec(ctx,
		`UPDATE coupons SET usage_count = usage_count + 1
		 WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)`,
		couponID,
	)
	if err != nil {
		return fmt.Errorf("increment coupon usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCouponExhausted
	}

	return nil
}

// ReleaseCoupon откатывает погашение купона заказом: удаляет запись и уменьшает счётчик.
// Если записи нет, вызов — успешный no-op.
func (r *PostgresRepository) ReleaseCoupon(ctx context.Context, couponID, orderID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := releaseCouponTx(ctx, tx, couponID, orderID); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

func releaseCouponTx(ctx context.Context, tx pgx.Tx, couponID, orderID int64) error {
	tag, err := tx.Exec(ctx,
		`DELETE FROM coupon_usages WHERE coupon_id = $1 AND order_id = $2`,
		couponID, orderID,
	)
	if err != nil {
		return fmt.Errorf("delete coupon usage: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE coupons SET usage_count = GREATEST(usage_count - 1, 0) WHERE id = $1`,
		couponID,
	)
	if err != nil {
		return fmt.Errorf("decrement coupon usage: %w", err)
	}

	return nil
}

// FinishPendingOrder переводит заказ из pending_payment в указанный терминальный
// статус и откатывает погашение купона в одной транзакции.
// Для уже оплаченного заказа возвращает ErrOrderAlreadyPaid, для прочих
// не-ожидающих статусов — ErrInvalidTransition.
func (r *PostgresRepository) FinishPendingOrder(ctx context.Context, orderID int64, target model.OrderStatus) error {
	if target != model.OrderStatusVoided && target != model.OrderStatusCancelled && target != model.OrderStatusExpired {
		return ErrInvalidTransition
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			status   string
			couponID *int64
		)
		err = tx.QueryRow(ctx,
			`SELECT status, coupon_id FROM orders WHERE id = $1 FOR UPDATE`,
			orderID,
		).Scan(&status, &couponID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		switch model.OrderStatus(status) {
		case model.OrderStatusPendingPayment:
		case model.OrderStatusPaid:
			return ErrOrderAlreadyPaid
		default:
			if model.OrderStatus(status) == target {
				return nil
			}
			return ErrInvalidTransition
		}

		setVoid := ""
		if target == model.OrderStatusVoided {
			setVoid = ", is_void = TRUE, void_at = now()"
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = now()`+setVoid+` WHERE id = $1`,
			orderID, string(target),
		)
		if err != nil {
			return fmt.Errorf("finish order: %w", err)
		}

		if couponID != nil {
			if err := releaseCouponTx(ctx, tx, *couponID, orderID); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// OrderForReconciliation описывает ожидающий оплаты заказ для фоновой сверки.
type OrderForReconciliation struct {
	ID            int64
	InvoiceNumber string
	ExternalID    string
	ExpiredAt     time.Time
}

// GetOrdersForReconciliation возвращает заказы в pending_payment, созданные до
// graceCutoff и не проверявшиеся после recheckCutoff.
func (r *PostgresRepository) GetOrdersForReconciliation(ctx context.Context, graceCutoff, recheckCutoff time.Time, limit int) ([]OrderForReconciliation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, invoice_number, external_transaction_id, expired_at
		 FROM orders
		 WHERE status = $1
		   AND created_at < $2
		   AND (last_checked_at IS NULL OR last_checked_at < $3)
		 ORDER BY COALESCE(last_checked_at, created_at)
		 LIMIT $4`,
		string(model.OrderStatusPendingPayment), graceCutoff, recheckCutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for reconciliation: %w", err)
	}
	defer rows.Close()

	var res []OrderForReconciliation
	for rows.Next() {
		var o OrderForReconciliation
		if err := rows.Scan(&o.ID, &o.InvoiceNumber, &o.ExternalID, &o.ExpiredAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// TouchOrderChecked обновляет отметку последней сверки заказа.
func (r *PostgresRepository) TouchOrderChecked(ctx context.Context, orderID int64, checkedAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET last_checked_at = $2 WHERE id = $1`,
		orderID, checkedAt,
	)
	if err != nil {
		return fmt.Errorf("touch order checked: %w", err)
	}
	return nil
}
