// Package service реализует бизнес-логику сверки платежей paymart.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/paymart-system/internal/gateway"
	"github.com/mmeshcher/paymart-system/internal/model"
	"github.com/mmeshcher/paymart-system/internal/notify"
	"github.com/mmeshcher/paymart-system/internal/pricing"
	"github.com/mmeshcher/paymart-system/internal/repository"
)

// ErrChargeFailed возвращается, если шлюз подтвердил транзакцию как неуспешную.
var ErrChargeFailed = errors.New("charge was not successful")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	ReconcilePayment(ctx context.Context, params repository.ReconcileParams) (*repository.ReconcileOutcome, error)
	RecordFailedCharge(ctx context.Context, params repository.FailedChargeParams) error
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	SetOfferStatus(ctx context.Context, offerID, userID int64, status string) error
	ListUnpaidOrders(ctx context.Context, createdBefore time.Time, limit int) ([]repository.UnpaidOrder, error)
	GetUserEmail(ctx context.Context, userID int64) (string, error)
}

// GatewayClient описывает клиент платёжного шлюза.
type GatewayClient interface {
	VerifyTransaction(ctx context.Context, reference string) (*gateway.Charge, error)
}

// Pricer независимо вычисляет ожидаемую сумму оплаты.
type Pricer interface {
	Expected(ctx context.Context, svc model.PaidService, option string) (*pricing.Quote, error)
}

// StatusCatalog выдаёт снимок справочника статусов заказа.
type StatusCatalog interface {
	Get(ctx context.Context) (map[string]int64, error)
}

// Notifier выполняет побочные эффекты после коммита транзакции.
type Notifier interface {
	PaymentReceived(ctx context.Context, evt notify.PaymentEvent)
	PaymentFailed(ctx context.Context, orderID int64, reference, reason string)
	Reminder(ctx context.Context, orderID int64, email, title string, amountDue int64)
}

// Charge — подтверждённые данные списания, общие для обоих путей доставки.
type Charge struct {
	Reference       string
	Amount          int64
	Currency        string
	GatewayResponse string
	PayerEmail      string
	WalletUsed      int64
}

// Receipt — результат учтённого платежа для HTTP-ответа.
type Receipt struct {
	OrderID          int64
	OrderStatus      string
	PaidTotal        int64
	AlreadyProcessed bool
}

// Service содержит бизнес-логику сверки платежей.
type Service struct {
	repo             Repository
	gatewayClient    GatewayClient
	pricer           Pricer
	catalog          StatusCatalog
	notifier         Notifier
	logger           *zap.Logger
	reminderInterval time.Duration
	reminderAge      time.Duration
}

// NewService создаёт сервис сверки платежей.
func NewService(repo Repository, gw GatewayClient, pricer Pricer, catalog StatusCatalog, notifier Notifier, logger *zap.Logger, reminderInterval time.Duration) *Service {
	return &Service{
		repo:             repo,
		gatewayClient:    gw,
		pricer:           pricer,
		catalog:          catalog,
		notifier:         notifier,
		logger:           logger,
		reminderInterval: reminderInterval,
		reminderAge:      3 * 24 * time.Hour,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ConfirmPayment обрабатывает синхронный возврат клиента от шлюза: состояние
// транзакции запрашивается напрямую у шлюза, данные клиента информативны.
func (s *Service) ConfirmPayment(ctx context.Context, reference string, svc model.PaidService, option string) (*Receipt, error) {
	confirmed, err := s.gatewayClient.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}

	charge := Charge{
		Reference:       confirmed.Reference,
		Amount:          confirmed.Amount,
		Currency:        confirmed.Currency,
		GatewayResponse: confirmed.GatewayResponse,
		PayerEmail:      confirmed.Customer.Email,
		WalletUsed:      confirmed.Metadata.WalletUsedKobo,
	}

	if confirmed.Status != model.PaymentStatusSuccess {
		if err := s.HandleChargeFailure(ctx, svc, charge); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrChargeFailed, confirmed.GatewayResponse)
	}

	if option == "" {
		option = confirmed.Metadata.PaymentOption
	}

	return s.HandleChargeSuccess(ctx, svc, option, charge)
}

// HandleChargeSuccess атомарно учитывает успешное списание и запускает
// пост-коммитные уведомления. Повторная доставка того же референса — успех
// без каких-либо изменений.
func (s *Service) HandleChargeSuccess(ctx context.Context, svc model.PaidService, option string, charge Charge) (*Receipt, error) {
	statuses, err := s.catalog.Get(ctx)
	if err != nil {
		return nil, err
	}

	quote, err := s.pricer.Expected(ctx, svc, option)
	if err != nil {
		return nil, err
	}

	// Расхождение с независимо пересчитанной суммой фиксируется в логе, но не
	// блокирует учёт: реально полученные деньги важнее пограничных округлений.
	if charge.Amount != quote.Amount {
		s.logger.Warn("confirmed amount differs from recomputed expected amount",
			zap.String("reference", charge.Reference),
			zap.Int64("confirmed", charge.Amount),
			zap.Int64("expected", quote.Amount),
			zap.String("service", string(svc.Kind())),
		)
	}

	outcome, err := s.repo.ReconcilePayment(ctx, repository.ReconcileParams{
		Service: svc,
		Charge: repository.ChargeRecord{
			Reference:       charge.Reference,
			Amount:          charge.Amount,
			Currency:        charge.Currency,
			GatewayResponse: charge.GatewayResponse,
			PayerEmail:      charge.PayerEmail,
		},
		PaymentOption:   option,
		DiscountPercent: quote.DiscountPercent,
		WalletUsed:      charge.WalletUsed,
		ExpectedAmount:  quote.Amount,
		Title:           quote.Title,
		DurationDays:    quote.DurationDays,
		StatusIDs:       statuses,
	})
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyProcessed) {
			s.logger.Info("duplicate gateway delivery ignored",
				zap.String("reference", charge.Reference))
			return &Receipt{AlreadyProcessed: true}, nil
		}
		return nil, err
	}

	s.dispatchPaymentReceived(ctx, charge, outcome)

	return &Receipt{
		OrderID:     outcome.OrderID,
		OrderStatus: outcome.NewStatus,
		PaidTotal:   outcome.PaidTotal,
	}, nil
}

// dispatchPaymentReceived выполняет уведомления после коммита. Ошибки здесь не
// могут повлиять на уже зафиксированную финансовую транзакцию.
func (s *Service) dispatchPaymentReceived(ctx context.Context, charge Charge, outcome *repository.ReconcileOutcome) {
	email := charge.PayerEmail
	if email == "" {
		stored, err := s.repo.GetUserEmail(ctx, outcome.UserID)
		if err != nil {
			s.logger.Warn("resolve payer email", zap.Error(err), zap.Int64("userID", outcome.UserID))
		} else {
			email = stored
		}
	}

	s.notifier.PaymentReceived(ctx, notify.PaymentEvent{
		OrderID:             outcome.OrderID,
		UserEmail:           email,
		Amount:              charge.Amount + charge.WalletUsed,
		Currency:            charge.Currency,
		OrderStatus:         outcome.NewStatus,
		CourseID:            outcome.CourseID,
		EnrollmentActivated: outcome.EnrollmentActivated,
	})
}

// HandleChargeFailure записывает неуспешное списание. Заказ помечается failed
// только если по нему ещё ничего не оплачено.
func (s *Service) HandleChargeFailure(ctx context.Context, svc model.PaidService, charge Charge) error {
	statuses, err := s.catalog.Get(ctx)
	if err != nil {
		return err
	}

	err = s.repo.RecordFailedCharge(ctx, repository.FailedChargeParams{
		Service: svc,
		Charge: repository.ChargeRecord{
			Reference:       charge.Reference,
			Amount:          charge.Amount,
			Currency:        charge.Currency,
			GatewayResponse: charge.GatewayResponse,
			PayerEmail:      charge.PayerEmail,
		},
		StatusIDs: statuses,
	})
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyProcessed) {
			// Неуспех после уже учтённого успеха — запоздавший дубликат.
			return nil
		}
		return err
	}

	if orderID := serviceOrderID(svc); orderID > 0 {
		s.notifier.PaymentFailed(ctx, orderID, charge.Reference, charge.GatewayResponse)
	}

	return nil
}

func serviceOrderID(svc model.PaidService) int64 {
	switch s := svc.(type) {
	case model.CoursePurchase:
		return s.OrderID
	case model.OfferPurchase:
		return s.OrderID
	default:
		return 0
	}
}

// GetOrdersByUser возвращает единую историю списаний пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// AcceptOffer принимает индивидуальное предложение от имени пользователя.
func (s *Service) AcceptOffer(ctx context.Context, userID, offerID int64) error {
	return s.repo.SetOfferStatus(ctx, offerID, userID, model.OfferStatusAccepted)
}

// DeclineOffer отклоняет индивидуальное предложение от имени пользователя.
func (s *Service) DeclineOffer(ctx context.Context, userID, offerID int64) error {
	return s.repo.SetOfferStatus(ctx, offerID, userID, model.OfferStatusRejected)
}

// StartReminderWorker запускает фоновый процесс напоминаний о неоплаченных заказах.
func (s *Service) StartReminderWorker(ctx context.Context) {
	if s.reminderInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.reminderInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processReminderBatch(ctx)
			}
		}
	}()
}

func (s *Service) processReminderBatch(ctx context.Context) {
	unpaid, err := s.repo.ListUnpaidOrders(ctx, time.Now().Add(-s.reminderAge), 100)
	if err != nil {
		s.logger.Error("list unpaid orders", zap.Error(err))
		return
	}

	for _, o := range unpaid {
		s.notifier.Reminder(ctx, o.OrderID, o.UserEmail, o.Title, o.AmountDue)
	}
}
