package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/paymart-system/internal/gateway"
	"github.com/mmeshcher/paymart-system/internal/model"
	"github.com/mmeshcher/paymart-system/internal/notify"
	"github.com/mmeshcher/paymart-system/internal/pricing"
	"github.com/mmeshcher/paymart-system/internal/repository"
	"github.com/mmeshcher/paymart-system/internal/statuscache"
)

// fakeRepo воспроизводит в памяти семантику транзакции сверки: защиту от
// повторов, накопление оплаты по заказу и однократную реферальную комиссию.
type fakeRepo struct {
	paidByOrder     map[int64]int64
	seenRefs        map[string]bool
	failedCharges   []repository.FailedChargeParams
	reconcileCalls  int
	unpaid          []repository.UnpaidOrder
	unpaidErr       error
	orderUser       int64
	referrerOf      map[int64]int64
	earnings        map[int64]int64
	reconcileErr    error
	recordFailedErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		paidByOrder: make(map[int64]int64),
		seenRefs:    make(map[string]bool),
		orderUser:   100,
		referrerOf:  make(map[int64]int64),
		earnings:    make(map[int64]int64),
	}
}

func (f *fakeRepo) Close() error { return nil }

func (f *fakeRepo) ReconcilePayment(ctx context.Context, params repository.ReconcileParams) (*repository.ReconcileOutcome, error) {
	if f.reconcileErr != nil {
		return nil, f.reconcileErr
	}
	if f.seenRefs[params.Charge.Reference] {
		return nil, repository.ErrAlreadyProcessed
	}
	f.seenRefs[params.Charge.Reference] = true
	f.reconcileCalls++

	orderID := serviceOrderID(params.Service)
	if orderID == 0 {
		orderID = 900 // синтетический заказ аренды
	}

	f.paidByOrder[orderID] += params.Charge.Amount + params.WalletUsed
	total := f.paidByOrder[orderID]

	outcome := &repository.ReconcileOutcome{
		OrderID:   orderID,
		UserID:    f.orderUser,
		NewStatus: model.ResolveStatus(total, params.ExpectedAmount),
		PaidTotal: total,
	}

	if course, ok := params.Service.(model.CoursePurchase); ok && outcome.NewStatus == model.StatusPaid {
		outcome.EnrollmentActivated = true
		outcome.CourseID = course.CourseID
	}

	if _, referred := f.referrerOf[f.orderUser]; referred {
		if _, credited := f.earnings[f.orderUser]; !credited {
			f.earnings[f.orderUser] = model.ReferralCommission(params.Charge.Amount + params.WalletUsed)
		}
	}

	return outcome, nil
}

func (f *fakeRepo) RecordFailedCharge(ctx context.Context, params repository.FailedChargeParams) error {
	if f.recordFailedErr != nil {
		return f.recordFailedErr
	}
	f.failedCharges = append(f.failedCharges, params)
	return nil
}

func (f *fakeRepo) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return nil, nil
}

func (f *fakeRepo) SetOfferStatus(ctx context.Context, offerID, userID int64, status string) error {
	return nil
}

func (f *fakeRepo) ListUnpaidOrders(ctx context.Context, createdBefore time.Time, limit int) ([]repository.UnpaidOrder, error) {
	return f.unpaid, f.unpaidErr
}

func (f *fakeRepo) GetUserEmail(ctx context.Context, userID int64) (string, error) {
	return "stored@example.com", nil
}

type fakePricer struct {
	quote *pricing.Quote
	err   error
}

func (p *fakePricer) Expected(ctx context.Context, svc model.PaidService, option string) (*pricing.Quote, error) {
	return p.quote, p.err
}

type fakeCatalog struct {
	statuses map[string]int64
	err      error
}

func (c *fakeCatalog) Get(ctx context.Context) (map[string]int64, error) {
	return c.statuses, c.err
}

type fakeNotifier struct {
	received []notify.PaymentEvent
	failed   []string
	reminded []int64
}

func (n *fakeNotifier) PaymentReceived(ctx context.Context, evt notify.PaymentEvent) {
	n.received = append(n.received, evt)
}

func (n *fakeNotifier) PaymentFailed(ctx context.Context, orderID int64, reference, reason string) {
	n.failed = append(n.failed, reference)
}

func (n *fakeNotifier) Reminder(ctx context.Context, orderID int64, email, title string, amountDue int64) {
	n.reminded = append(n.reminded, orderID)
}

type fakeGateway struct {
	charge *gateway.Charge
	err    error
}

func (g *fakeGateway) VerifyTransaction(ctx context.Context, reference string) (*gateway.Charge, error) {
	return g.charge, g.err
}

func testStatuses() map[string]int64 {
	return map[string]int64{
		model.StatusPending:       1,
		model.StatusPartiallyPaid: 2,
		model.StatusPaid:          3,
		model.StatusFailed:        4,
	}
}

func newTestService(repo *fakeRepo, gw GatewayClient, quote *pricing.Quote, notifier *fakeNotifier) *Service {
	return NewService(
		repo,
		gw,
		&fakePricer{quote: quote},
		&fakeCatalog{statuses: testStatuses()},
		notifier,
		zap.NewNop(),
		0,
	)
}

func TestHandleChargeSuccess_SequentialStatusTransitions(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	svc := newTestService(repo, nil, &pricing.Quote{Amount: 10000}, notifier)

	course := model.CoursePurchase{OrderID: 11, CourseID: 3}

	first, err := svc.HandleChargeSuccess(context.Background(), course, "", Charge{
		Reference: "ref-1", Amount: 4000, Currency: "NGN",
	})
	if err != nil {
		t.Fatalf("first charge: %v", err)
	}
	if first.OrderStatus != model.StatusPartiallyPaid || first.PaidTotal != 4000 {
		t.Fatalf("first receipt = %+v", first)
	}

	second, err := svc.HandleChargeSuccess(context.Background(), course, "", Charge{
		Reference: "ref-2", Amount: 6000, Currency: "NGN",
	})
	if err != nil {
		t.Fatalf("second charge: %v", err)
	}
	if second.OrderStatus != model.StatusPaid || second.PaidTotal != 10000 {
		t.Fatalf("second receipt = %+v", second)
	}

	if len(notifier.received) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notifier.received))
	}
}

func TestHandleChargeSuccess_DuplicateDeliveryIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	svc := newTestService(repo, nil, &pricing.Quote{Amount: 10000}, notifier)

	course := model.CoursePurchase{OrderID: 11, CourseID: 3}
	charge := Charge{Reference: "ref-dup", Amount: 10000, Currency: "NGN"}

	for i := 0; i < 3; i++ {
		receipt, err := svc.HandleChargeSuccess(context.Background(), course, "", charge)
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if i > 0 && !receipt.AlreadyProcessed {
			t.Fatalf("delivery %d: expected AlreadyProcessed receipt", i)
		}
	}

	if repo.reconcileCalls != 1 {
		t.Fatalf("reconcile applied %d times, want 1", repo.reconcileCalls)
	}
	if repo.paidByOrder[11] != 10000 {
		t.Fatalf("paid total = %d, want 10000", repo.paidByOrder[11])
	}
	if len(notifier.received) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.received))
	}
}

func TestHandleChargeSuccess_AmountMismatchStillRecorded(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil, &pricing.Quote{Amount: 66500}, &fakeNotifier{})

	receipt, err := svc.HandleChargeSuccess(context.Background(),
		model.OfferPurchase{OrderID: 11, OfferID: 7}, pricing.OptionDeposit70Discount,
		Charge{Reference: "ref-odd", Amount: 66499, Currency: "NGN"},
	)
	if err != nil {
		t.Fatalf("mismatched charge must still be recorded: %v", err)
	}
	if receipt.PaidTotal != 66499 {
		t.Fatalf("paid total = %d, want confirmed amount 66499", receipt.PaidTotal)
	}
}

func TestHandleChargeSuccess_WalletCountsTowardTotal(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil, &pricing.Quote{Amount: 10000}, &fakeNotifier{})

	receipt, err := svc.HandleChargeSuccess(context.Background(),
		model.CoursePurchase{OrderID: 11, CourseID: 3}, "",
		Charge{Reference: "ref-w", Amount: 7000, WalletUsed: 3000, Currency: "NGN"},
	)
	if err != nil {
		t.Fatalf("HandleChargeSuccess error: %v", err)
	}
	if receipt.OrderStatus != model.StatusPaid || receipt.PaidTotal != 10000 {
		t.Fatalf("receipt = %+v, want paid 10000", receipt)
	}
}

func TestHandleChargeSuccess_CatalogNotReady(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, &fakePricer{quote: &pricing.Quote{Amount: 10000}},
		&fakeCatalog{err: statuscache.ErrNotReady}, &fakeNotifier{}, zap.NewNop(), 0)

	_, err := svc.HandleChargeSuccess(context.Background(),
		model.CoursePurchase{OrderID: 11, CourseID: 3}, "",
		Charge{Reference: "ref-1", Amount: 4000},
	)
	if !errors.Is(err, statuscache.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if repo.reconcileCalls != 0 {
		t.Fatalf("reconcile must not run without the status catalog")
	}
}

func TestHandleChargeSuccess_UnknownOptionRejected(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, &fakePricer{err: pricing.ErrUnknownPaymentOption},
		&fakeCatalog{statuses: testStatuses()}, &fakeNotifier{}, zap.NewNop(), 0)

	_, err := svc.HandleChargeSuccess(context.Background(),
		model.OfferPurchase{OrderID: 11, OfferID: 7}, "deposit_25",
		Charge{Reference: "ref-1", Amount: 4000},
	)
	if !errors.Is(err, pricing.ErrUnknownPaymentOption) {
		t.Fatalf("err = %v, want ErrUnknownPaymentOption", err)
	}
	if repo.reconcileCalls != 0 {
		t.Fatalf("reconcile must not run for unknown payment option")
	}
}

func TestHandleChargeSuccess_ReferralCreditedExactlyOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.referrerOf[repo.orderUser] = 50
	svc := newTestService(repo, nil, &pricing.Quote{Amount: 40000}, &fakeNotifier{})

	course := model.CoursePurchase{OrderID: 11, CourseID: 3}

	if _, err := svc.HandleChargeSuccess(context.Background(), course, "", Charge{
		Reference: "ref-r1", Amount: 20000, Currency: "NGN",
	}); err != nil {
		t.Fatalf("first charge: %v", err)
	}

	if got := repo.earnings[repo.orderUser]; got != 2000 {
		t.Fatalf("commission after first payment = %d, want 2000", got)
	}

	if _, err := svc.HandleChargeSuccess(context.Background(), course, "", Charge{
		Reference: "ref-r2", Amount: 20000, Currency: "NGN",
	}); err != nil {
		t.Fatalf("second charge: %v", err)
	}

	if got := repo.earnings[repo.orderUser]; got != 2000 {
		t.Fatalf("commission after second payment = %d, want unchanged 2000", got)
	}
	if len(repo.earnings) != 1 {
		t.Fatalf("earnings rows = %d, want 1", len(repo.earnings))
	}
}

func TestConfirmPayment_FailedChargeRecorded(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	gw := &fakeGateway{charge: &gateway.Charge{
		Reference:       "ref-f",
		Status:          "failed",
		Amount:          4000,
		Currency:        "NGN",
		GatewayResponse: "Insufficient funds",
	}}
	svc := newTestService(repo, gw, &pricing.Quote{Amount: 10000}, notifier)

	_, err := svc.ConfirmPayment(context.Background(), "ref-f",
		model.CoursePurchase{OrderID: 11, CourseID: 3}, "")
	if !errors.Is(err, ErrChargeFailed) {
		t.Fatalf("err = %v, want ErrChargeFailed", err)
	}

	if len(repo.failedCharges) != 1 {
		t.Fatalf("failed charges = %d, want 1", len(repo.failedCharges))
	}
	if repo.reconcileCalls != 0 {
		t.Fatalf("failed charge must not reconcile")
	}
	if len(notifier.failed) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(notifier.failed))
	}
}

func TestConfirmPayment_UsesMetadataOption(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{charge: &gateway.Charge{
		Reference: "ref-m",
		Status:    model.PaymentStatusSuccess,
		Amount:    66500,
		Currency:  "NGN",
		Metadata:  gateway.Metadata{PaymentOption: pricing.OptionDeposit70Discount},
	}}
	svc := newTestService(repo, gw, &pricing.Quote{Amount: 66500, DiscountPercent: 5}, &fakeNotifier{})

	receipt, err := svc.ConfirmPayment(context.Background(), "ref-m",
		model.OfferPurchase{OrderID: 11, OfferID: 7}, "")
	if err != nil {
		t.Fatalf("ConfirmPayment error: %v", err)
	}
	if receipt.PaidTotal != 66500 {
		t.Fatalf("receipt = %+v", receipt)
	}
}

func TestHandleChargeFailure_DuplicateAfterSuccessIgnored(t *testing.T) {
	repo := newFakeRepo()
	repo.recordFailedErr = repository.ErrAlreadyProcessed
	svc := newTestService(repo, nil, &pricing.Quote{Amount: 10000}, &fakeNotifier{})

	err := svc.HandleChargeFailure(context.Background(),
		model.CoursePurchase{OrderID: 11, CourseID: 3},
		Charge{Reference: "ref-late", Amount: 4000},
	)
	if err != nil {
		t.Fatalf("late duplicate failure must be ignored: %v", err)
	}
}

func TestProcessReminderBatch(t *testing.T) {
	repo := newFakeRepo()
	repo.unpaid = []repository.UnpaidOrder{
		{OrderID: 1, UserEmail: "a@example.com", Title: "Custom build", AmountDue: 5000},
		{OrderID: 2, UserEmail: "b@example.com", Title: "Course", AmountDue: 2500},
	}
	notifier := &fakeNotifier{}
	svc := newTestService(repo, nil, &pricing.Quote{}, notifier)

	svc.processReminderBatch(context.Background())

	if len(notifier.reminded) != 2 {
		t.Fatalf("reminders = %d, want 2", len(notifier.reminded))
	}
}

func TestStartReminderWorker_DisabledWithoutInterval(t *testing.T) {
	svc := &Service{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartReminderWorker(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartReminderWorker did not return without interval")
	}
}
