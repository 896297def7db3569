// Package repository содержит реализацию доступа к данным в PostgreSQL.
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
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/paymart-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAlreadyProcessed возвращается, если платёж с этим референсом шлюза уже
// успешно учтён. Для вызывающего это не ошибка, а успешный повтор.
var (
	ErrAlreadyProcessed = errors.New("payment already processed")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound возвращается, если курс, предложение или бронирование не найдены.
	ErrProductNotFound = errors.New("product not found")
	// ErrOfferNotPending возвращается при попытке принять или отклонить предложение не в статусе pending.
	ErrOfferNotPending = errors.New("offer is not pending")
)

// dbPool — подмножество pgxpool.Pool, используемое репозиторием. Позволяет
// подставить другой пул в тестах транзакций.
type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool dbPool
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

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRepository{pool: pool}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
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

// withRetry повторяет fn при ошибках сериализации, дедлоках и сетевых сбоях.
// Транзакция сверки полностью откатывается перед каждым повтором, поэтому
// повтор безопасен.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
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
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// ListOrderStatuses возвращает отображение имени статуса заказа в его идентификатор.
func (r *PostgresRepository) ListOrderStatuses(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM order_statuses`)
	if err != nil {
		return nil, fmt.Errorf("select order statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]int64)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		statuses[name] = id
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return statuses, nil
}

// GetCourse возвращает курс по идентификатору.
func (r *PostgresRepository) GetCourse(ctx context.Context, id int64) (*model.Course, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, price, start_date, end_date, active FROM courses WHERE id = $1`,
		id,
	)

	var c model.Course
	err := row.Scan(&c.ID, &c.Title, &c.Price, &c.StartDate, &c.EndDate, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: course %d", ErrProductNotFound, id)
		}
		return nil, fmt.Errorf("get course: %w", err)
	}

	return &c, nil
}

// GetOfferForOrder возвращает предложение, привязанное к заказу. Просроченное
// предложение в статусе pending при чтении переводится в expired.
func (r *PostgresRepository) GetOfferForOrder(ctx context.Context, offerID, orderID int64) (*model.CustomOffer, error) {
	_, err := r.pool.Exec(ctx,
		`UPDATE custom_offers SET status = $1 WHERE id = $2 AND status = $3 AND expires_at < now()`,
		model.OfferStatusExpired, offerID, model.OfferStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("expire offer: %w", err)
	}

	row := r.pool.QueryRow(ctx,
		`SELECT id, order_id, amount, status, expires_at, created_at
		 FROM custom_offers
		 WHERE id = $1 AND order_id = $2`,
		offerID, orderID,
	)

	var o model.CustomOffer
	err = row.Scan(&o.ID, &o.OrderID, &o.Amount, &o.Status, &o.ExpiresAt, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: offer %d for order %d", ErrProductNotFound, offerID, orderID)
		}
		return nil, fmt.Errorf("get offer: %w", err)
	}

	return &o, nil
}

// GetBooking возвращает бронирование аренды по идентификатору.
func (r *PostgresRepository) GetBooking(ctx context.Context, id int64) (*model.RentalBooking, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, equipment_name, amount, start_date, end_date, payment_status
		 FROM rental_bookings
		 WHERE id = $1`,
		id,
	)

	var b model.RentalBooking
	err := row.Scan(&b.ID, &b.UserID, &b.EquipmentName, &b.Amount, &b.StartDate, &b.EndDate, &b.PaymentStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: booking %d", ErrProductNotFound, id)
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}

	return &b, nil
}

// SetOfferStatus переводит предложение пользователя из pending в указанный статус.
// Используется клиентскими операциями принятия и отклонения предложения.
func (r *PostgresRepository) SetOfferStatus(ctx context.Context, offerID, userID int64, status string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE custom_offers co SET status = $1
		 FROM orders o
		 WHERE co.id = $2
		   AND o.id = co.order_id
		   AND o.user_id = $3
		   AND co.status = $4
		   AND co.expires_at >= now()`,
		status, offerID, userID, model.OfferStatusPending,
	)
	if err != nil {
		return fmt.Errorf("set offer status: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS(
		 	SELECT 1 FROM custom_offers co
		 	JOIN orders o ON o.id = co.order_id
		 	WHERE co.id = $1 AND o.user_id = $2)`,
		offerID, userID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check offer: %w", err)
	}

	if !exists {
		return fmt.Errorf("%w: offer %d", ErrProductNotFound, offerID)
	}
	return ErrOfferNotPending
}

// GetOrdersByUser возвращает историю заказов пользователя с именами статусов.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.user_id, o.category_id, o.title, o.total_amount, o.amount_paid,
		        o.status_id, s.name, o.tracking_code, o.start_date, o.end_date, o.created_at
		 FROM orders o
		 JOIN order_statuses s ON s.id = o.status_id
		 WHERE o.user_id = $1
		 ORDER BY o.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.CategoryID, &o.Title, &o.TotalAmount, &o.AmountPaid,
			&o.StatusID, &o.Status, &o.TrackingCode, &o.StartDate, &o.EndDate, &o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// UnpaidOrder описывает заказ с задолженностью для напоминания об оплате.
type UnpaidOrder struct {
	OrderID    int64
	UserID     int64
	UserEmail  string
	Title      string
	AmountDue  int64
	CreatedAt  time.Time
	LastStatus string
}

// ListUnpaidOrders возвращает заказы со статусами pending и partially_paid,
// созданные раньше указанного момента.
func (r *PostgresRepository) ListUnpaidOrders(ctx context.Context, createdBefore time.Time, limit int) ([]UnpaidOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.user_id, u.email, o.title, o.total_amount - o.amount_paid, o.created_at, s.name
		 FROM orders o
		 JOIN order_statuses s ON s.id = o.status_id
		 JOIN users u ON u.id = o.user_id
		 WHERE s.name IN ($1, $2)
		   AND o.total_amount > o.amount_paid
		   AND o.created_at < $3
		 ORDER BY o.created_at
		 LIMIT $4`,
		model.StatusPending, model.StatusPartiallyPaid, createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unpaid orders: %w", err)
	}
	defer rows.Close()

	var res []UnpaidOrder
	for rows.Next() {
		var u UnpaidOrder
		if err := rows.Scan(&u.OrderID, &u.UserID, &u.UserEmail, &u.Title, &u.AmountDue, &u.CreatedAt, &u.LastStatus); err != nil {
			return nil, fmt.Errorf("scan unpaid order: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateNotification добавляет уведомление для администратора по заказу.
func (r *PostgresRepository) CreateNotification(ctx context.Context, orderID int64, message string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notifications (order_id, message) VALUES ($1, $2)`,
		orderID, message,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// GetUserEmail возвращает адрес электронной почты пользователя.
func (r *PostgresRepository) GetUserEmail(ctx context.Context, userID int64) (string, error) {
	var email string
	err := r.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("user %d not found", userID)
		}
		return "", fmt.Errorf("get user email: %w", err)
	}
	return email, nil
}
