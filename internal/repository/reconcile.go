package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/paymart-system/internal/model"
)

// Категория, под которой создаются заказы для бронирований аренды.
const rentalCategoryName = "Hardware Rental"

// ChargeRecord — подтверждённые шлюзом данные транзакции для записи платежа.
// Сумма здесь уже проверена шлюзом, данные клиента в неё не попадают.
type ChargeRecord struct {
	Reference       string
	Amount          int64
	Currency        string
	GatewayResponse string
	PayerEmail      string
}

// ReconcileParams — входные данные транзакции сверки платежа.
type ReconcileParams struct {
	Service         model.PaidService
	Charge          ChargeRecord
	PaymentOption   string
	DiscountPercent int
	WalletUsed      int64
	ExpectedAmount  int64
	Title           string
	DurationDays    int
	StatusIDs       map[string]int64
}

// ReconcileOutcome — результат зафиксированной транзакции сверки, используемый
// для побочных эффектов после коммита.
type ReconcileOutcome struct {
	OrderID             int64
	UserID              int64
	NewStatus           string
	PaidTotal           int64
	EnrollmentActivated bool
	CourseID            int64
}

// ReconcilePayment атомарно учитывает успешный платёж: защита от повторов,
// запись платежа, обновление заказа, побочные эффекты услуги и реферальная
// комиссия выполняются в одной транзакции. Любая неожиданная ошибка откатывает
// всё целиком, частичное финансовое состояние не сохраняется.
func (r *PostgresRepository) ReconcilePayment(ctx context.Context, params ReconcileParams) (*ReconcileOutcome, error) {
	var outcome *ReconcileOutcome

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = r.reconcileOnce(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

func (r *PostgresRepository) reconcileOnce(ctx context.Context, params ReconcileParams) (*ReconcileOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Защита от повторной доставки: уже учтённый успешный платёж с этим
	// референсом делает всю операцию no-op.
	var existingID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM payments WHERE reference = $1 AND status = $2`,
		params.Charge.Reference, model.PaymentStatusSuccess,
	).Scan(&existingID)
	if err == nil {
		return nil, ErrAlreadyProcessed
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check duplicate payment: %w", err)
	}

	orderID, userID, priorPaid, err := r.resolveOrder(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	// Уникальный частичный индекс по payments(reference) WHERE status='success'
	// закрывает гонку двух конкурентных доставок, прошедших проверку выше.
	_, err = tx.Exec(ctx,
		`INSERT INTO payments
		 	(order_id, reference, amount, currency, status, gateway_response, payer_email, payment_option, discount_percent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		orderID, params.Charge.Reference, params.Charge.Amount, params.Charge.Currency,
		model.PaymentStatusSuccess, params.Charge.GatewayResponse, params.Charge.PayerEmail,
		params.PaymentOption, params.DiscountPercent,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrAlreadyProcessed
		}
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	if params.WalletUsed > 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO wallet_usages (order_id, user_id, amount) VALUES ($1, $2, $3)`,
			orderID, userID, params.WalletUsed,
		)
		if err != nil {
			return nil, fmt.Errorf("insert wallet usage: %w", err)
		}
	}

	paidTotal := priorPaid + params.Charge.Amount + params.WalletUsed
	newStatus := model.ResolveStatus(paidTotal, params.ExpectedAmount)

	statusID, ok := params.StatusIDs[newStatus]
	if !ok {
		return nil, fmt.Errorf("status %q missing from catalog", newStatus)
	}

	var endDate *time.Time
	if params.DurationDays > 0 {
		e := time.Now().AddDate(0, 0, params.DurationDays)
		endDate = &e
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders
		 SET amount_paid = $2,
		     status_id = $3,
		     total_amount = $4,
		     title = CASE WHEN $5 <> '' THEN $5 ELSE title END,
		     start_date = COALESCE(start_date, now()),
		     end_date = COALESCE($6, end_date)
		 WHERE id = $1`,
		orderID, paidTotal, statusID, params.ExpectedAmount, params.Title, endDate,
	)
	if err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	outcome := &ReconcileOutcome{
		OrderID:   orderID,
		UserID:    userID,
		NewStatus: newStatus,
		PaidTotal: paidTotal,
	}

	if err := r.applyServiceEffects(ctx, tx, params, outcome); err != nil {
		return nil, err
	}

	if err := r.creditReferral(ctx, tx, userID, orderID, params.Charge.Amount+params.WalletUsed); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return outcome, nil
}

// resolveOrder блокирует строку заказа на время транзакции и возвращает его
// идентификатор, владельца и накопленную оплату. Для аренды заказ для единой
// истории списаний создаётся здесь же.
func (r *PostgresRepository) resolveOrder(ctx context.Context, tx pgx.Tx, params ReconcileParams) (orderID, userID, priorPaid int64, err error) {
	switch s := params.Service.(type) {
	case model.RentalPayment:
		err = tx.QueryRow(ctx,
			`SELECT user_id FROM rental_bookings WHERE id = $1 FOR UPDATE`,
			s.BookingID,
		).Scan(&userID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, 0, 0, fmt.Errorf("%w: booking %d", ErrProductNotFound, s.BookingID)
			}
			return 0, 0, 0, fmt.Errorf("lock booking: %w", err)
		}

		categoryID, cerr := r.ensureCategory(ctx, tx, rentalCategoryName)
		if cerr != nil {
			return 0, 0, 0, cerr
		}

		pendingID, ok := params.StatusIDs[model.StatusPending]
		if !ok {
			return 0, 0, 0, fmt.Errorf("status %q missing from catalog", model.StatusPending)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (user_id, category_id, title, total_amount, status_id, tracking_code)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			userID, categoryID, params.Title, params.ExpectedAmount, pendingID, uuid.NewString(),
		).Scan(&orderID)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("create rental order: %w", err)
		}

		return orderID, userID, 0, nil

	case model.CoursePurchase:
		return r.lockOrder(ctx, tx, s.OrderID)
	case model.OfferPurchase:
		return r.lockOrder(ctx, tx, s.OrderID)
	default:
		return 0, 0, 0, model.ErrUnknownService
	}
}

func (r *PostgresRepository) lockOrder(ctx context.Context, tx pgx.Tx, id int64) (orderID, userID, priorPaid int64, err error) {
	err = tx.QueryRow(ctx,
		`SELECT id, user_id, amount_paid FROM orders WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&orderID, &userID, &priorPaid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, 0, fmt.Errorf("%w: order %d", ErrOrderNotFound, id)
		}
		return 0, 0, 0, fmt.Errorf("lock order: %w", err)
	}
	return orderID, userID, priorPaid, nil
}

// ensureCategory возвращает идентификатор категории заказа, создавая её при
// первом обращении.
func (r *PostgresRepository) ensureCategory(ctx context.Context, tx pgx.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO order_categories (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure category %q: %w", name, err)
	}
	return id, nil
}

func (r *PostgresRepository) applyServiceEffects(ctx context.Context, tx pgx.Tx, params ReconcileParams, outcome *ReconcileOutcome) error {
	switch s := params.Service.(type) {
	case model.OfferPurchase:
		_, err := tx.Exec(ctx,
			`UPDATE custom_offers SET status = $1 WHERE id = $2 AND order_id = $3`,
			model.OfferStatusAccepted, s.OfferID, s.OrderID,
		)
		if err != nil {
			return fmt.Errorf("accept offer: %w", err)
		}

	case model.CoursePurchase:
		if outcome.NewStatus != model.StatusPaid {
			return nil
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO enrollments (user_id, course_id, order_id, payment_status)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, course_id)
			 DO UPDATE SET payment_status = EXCLUDED.payment_status, order_id = EXCLUDED.order_id`,
			outcome.UserID, s.CourseID, outcome.OrderID, model.StatusPaid,
		)
		if err != nil {
			return fmt.Errorf("activate enrollment: %w", err)
		}
		outcome.EnrollmentActivated = true
		outcome.CourseID = s.CourseID

	case model.RentalPayment:
		_, err := tx.Exec(ctx,
			`UPDATE rental_bookings SET payment_status = $1 WHERE id = $2`,
			outcome.NewStatus, s.BookingID,
		)
		if err != nil {
			return fmt.Errorf("update booking status: %w", err)
		}
	}

	return nil
}

// creditReferral начисляет комиссию пригласившему пользователю при первом
// оплаченном заказе приглашённого. Проверка существования и вставка выполняются
// в той же транзакции, уникальный индекс по referred_user_id закрывает гонку
// двух конкурентных первых платежей.
func (r *PostgresRepository) creditReferral(ctx context.Context, tx pgx.Tx, userID, orderID, paidNow int64) error {
	var referrerID *int64
	err := tx.QueryRow(ctx, `SELECT referrer_id FROM users WHERE id = $1`, userID).Scan(&referrerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("get referrer: %w", err)
	}
	if referrerID == nil {
		return nil
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM referral_earnings WHERE referred_user_id = $1)`,
		userID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check referral earning: %w", err)
	}
	if exists {
		return nil
	}

	commission := model.ReferralCommission(paidNow)

	_, err = tx.Exec(ctx,
		`INSERT INTO referral_earnings (referrer_id, referred_user_id, order_id, amount)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (referred_user_id) DO NOTHING`,
		*referrerID, userID, orderID, commission,
	)
	if err != nil {
		return fmt.Errorf("insert referral earning: %w", err)
	}

	return nil
}

// FailedChargeParams — данные неуспешного списания для записи в историю.
type FailedChargeParams struct {
	Service   model.PaidService
	Charge    ChargeRecord
	StatusIDs map[string]int64
}

// RecordFailedCharge записывает неуспешное списание. Заказ переводится в failed
// только из pending при нулевой оплате: оплаченные состояния никогда не
// регрессируют.
func (r *PostgresRepository) RecordFailedCharge(ctx context.Context, params FailedChargeParams) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.recordFailedOnce(ctx, params)
	})
}

func (r *PostgresRepository) recordFailedOnce(ctx context.Context, params FailedChargeParams) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Успешный платёж с этим референсом уже учтён: неуспех после успеха —
	// запоздавший дубликат, его игнорируем.
	var existingID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM payments WHERE reference = $1 AND status = $2`,
		params.Charge.Reference, model.PaymentStatusSuccess,
	).Scan(&existingID)
	if err == nil {
		return ErrAlreadyProcessed
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("check duplicate payment: %w", err)
	}

	var orderID int64
	switch s := params.Service.(type) {
	case model.RentalPayment:
		_, err = tx.Exec(ctx,
			`UPDATE rental_bookings SET payment_status = $1
			 WHERE id = $2 AND payment_status = $3`,
			model.StatusFailed, s.BookingID, model.StatusPending,
		)
		if err != nil {
			return fmt.Errorf("fail booking: %w", err)
		}
		// Заказ для аренды создаётся только успешным платежом.
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil

	case model.CoursePurchase:
		orderID = s.OrderID
	case model.OfferPurchase:
		orderID = s.OrderID
	default:
		return model.ErrUnknownService
	}

	_, _, priorPaid, err := r.lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO payments
		 	(order_id, reference, amount, currency, status, gateway_response, payer_email)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		orderID, params.Charge.Reference, params.Charge.Amount, params.Charge.Currency,
		model.PaymentStatusFailed, params.Charge.GatewayResponse, params.Charge.PayerEmail,
	)
	if err != nil {
		return fmt.Errorf("insert failed payment: %w", err)
	}

	if priorPaid == 0 {
		failedID, ok := params.StatusIDs[model.StatusFailed]
		if !ok {
			return fmt.Errorf("status %q missing from catalog", model.StatusFailed)
		}
		pendingID, ok := params.StatusIDs[model.StatusPending]
		if !ok {
			return fmt.Errorf("status %q missing from catalog", model.StatusPending)
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET status_id = $2 WHERE id = $1 AND status_id = $3`,
			orderID, failedID, pendingID,
		)
		if err != nil {
			return fmt.Errorf("fail order: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
