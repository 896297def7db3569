package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/paymart-system/internal/validation"
)

// NotificationStore описывает запись уведомлений для администратора.
type NotificationStore interface {
	CreateNotification(ctx context.Context, orderID int64, message string) error
}

// Mailer описывает отправку писем и подписку на списки рассылки.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, email, group string) error
}

// PaymentEvent — данные зафиксированного платежа для уведомлений.
type PaymentEvent struct {
	OrderID             int64
	UserEmail           string
	Amount              int64
	Currency            string
	OrderStatus         string
	CourseID            int64
	EnrollmentActivated bool
}

// Dispatcher выполняет побочные эффекты после коммита финансовой транзакции.
// Все операции best-effort: ошибки логируются и никогда не доходят до
// вызывающего, успешная сверка не может стать ошибкой из-за письма.
type Dispatcher struct {
	store  NotificationStore
	mailer Mailer
	logger *zap.Logger
}

// NewDispatcher создаёт диспетчер уведомлений.
func NewDispatcher(store NotificationStore, mailer Mailer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		mailer: mailer,
		logger: logger,
	}
}

// PaymentReceived отправляет уведомления об успешном платеже: запись для
// администратора, письмо-квитанцию и, для полностью оплаченного курса,
// подписку на список рассылки курса.
func (d *Dispatcher) PaymentReceived(ctx context.Context, evt PaymentEvent) {
	msg := fmt.Sprintf("Payment of %s %s received for order #%d, order is now %s",
		formatAmount(evt.Amount), evt.Currency, evt.OrderID, evt.OrderStatus)

	if err := d.store.CreateNotification(ctx, evt.OrderID, msg); err != nil {
		d.logger.Error("create payment notification",
			zap.Error(err), zap.Int64("orderID", evt.OrderID))
	}

	validEmail := validation.IsValidEmail(evt.UserEmail)

	if validEmail {
		err := d.mailer.Send(ctx, Message{
			To:      evt.UserEmail,
			Subject: "Payment received",
			Body:    msg,
		})
		if err != nil {
			d.logger.Error("send receipt email",
				zap.Error(err), zap.Int64("orderID", evt.OrderID))
		}
	}

	if evt.EnrollmentActivated && validEmail {
		group := fmt.Sprintf("course-%d", evt.CourseID)
		if err := d.mailer.Subscribe(ctx, evt.UserEmail, group); err != nil {
			d.logger.Error("subscribe to course list",
				zap.Error(err), zap.String("group", group), zap.Int64("orderID", evt.OrderID))
		}
	}
}

// PaymentFailed фиксирует неуспешное списание в уведомлениях администратора.
func (d *Dispatcher) PaymentFailed(ctx context.Context, orderID int64, reference, reason string) {
	msg := fmt.Sprintf("Charge %s failed for order #%d: %s", reference, orderID, reason)

	if err := d.store.CreateNotification(ctx, orderID, msg); err != nil {
		d.logger.Error("create failure notification",
			zap.Error(err), zap.Int64("orderID", orderID))
	}
}

// Reminder отправляет напоминание о неоплаченном заказе.
func (d *Dispatcher) Reminder(ctx context.Context, orderID int64, email, title string, amountDue int64) {
	if !validation.IsValidEmail(email) {
		return
	}

	err := d.mailer.Send(ctx, Message{
		To:      email,
		Subject: "Payment reminder",
		Body: fmt.Sprintf("Order #%d (%s) has an outstanding balance of %s, please complete your payment",
			orderID, title, formatAmount(amountDue)),
	})
	if err != nil {
		d.logger.Error("send reminder email",
			zap.Error(err), zap.Int64("orderID", orderID))
	}
}

// formatAmount переводит сумму из минимальных единиц в основную валюту.
func formatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}
