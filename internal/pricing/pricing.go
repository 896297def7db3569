// Package pricing независимо вычисляет ожидаемую сумму оплаты по данным каталога.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/paymart-system/internal/model"
)

// Варианты оплаты индивидуального предложения.
const (
	OptionDeposit50         = "deposit_50"
	OptionDeposit70Discount = "deposit_70_discount"
	OptionFull100Discount   = "full_100_discount"
)

// ErrUnknownPaymentOption возвращается для нераспознанного варианта оплаты.
var ErrUnknownPaymentOption = errors.New("unknown payment option")

// Store описывает доступ к доверенным данным каталога, используемый калькулятором.
type Store interface {
	GetCourse(ctx context.Context, id int64) (*model.Course, error)
	GetOfferForOrder(ctx context.Context, offerID, orderID int64) (*model.CustomOffer, error)
	GetBooking(ctx context.Context, id int64) (*model.RentalBooking, error)
}

// Quote — авторитетная ожидаемая сумма и производные атрибуты заказа.
// Суммы клиента никогда не участвуют в расчёте: только сохранённые цены
// и правила вариантов оплаты.
type Quote struct {
	Amount          int64
	Title           string
	DurationDays    int
	DiscountPercent int
}

// Calculator вычисляет ожидаемую сумму оплаты для каждой разновидности услуги.
type Calculator struct {
	store Store
}

// NewCalculator создаёт калькулятор поверх указанного хранилища каталога.
func NewCalculator(store Store) *Calculator {
	return &Calculator{store: store}
}

// Expected возвращает ожидаемую сумму, заголовок заказа и длительность для услуги.
func (c *Calculator) Expected(ctx context.Context, svc model.PaidService, option string) (*Quote, error) {
	switch s := svc.(type) {
	case model.CoursePurchase:
		course, err := c.store.GetCourse(ctx, s.CourseID)
		if err != nil {
			return nil, fmt.Errorf("get course: %w", err)
		}
		return &Quote{
			Amount:       course.Price,
			Title:        course.Title,
			DurationDays: daysBetween(course.StartDate, course.EndDate),
		}, nil

	case model.OfferPurchase:
		offer, err := c.store.GetOfferForOrder(ctx, s.OfferID, s.OrderID)
		if err != nil {
			return nil, fmt.Errorf("get offer: %w", err)
		}

		amount, discount, err := applyPaymentOption(offer.Amount, option)
		if err != nil {
			return nil, err
		}

		// Заголовок заказа для предложения не меняется, он задан при создании.
		return &Quote{
			Amount:          amount,
			DiscountPercent: discount,
		}, nil

	case model.RentalPayment:
		booking, err := c.store.GetBooking(ctx, s.BookingID)
		if err != nil {
			return nil, fmt.Errorf("get booking: %w", err)
		}
		return &Quote{
			Amount:       booking.Amount,
			Title:        booking.EquipmentName + " rental",
			DurationDays: daysBetween(booking.StartDate, booking.EndDate),
		}, nil

	default:
		return nil, model.ErrUnknownService
	}
}

// applyPaymentOption применяет множитель варианта оплаты к базовой сумме.
// Множитель сводится к одной дроби, округление половины вверх выполняется
// ровно один раз на итоговом значении.
func applyPaymentOption(base int64, option string) (amount int64, discountPercent int, err error) {
	switch option {
	case OptionDeposit50:
		return roundHalfUp(base, 50, 100), 0, nil
	case OptionDeposit70Discount:
		// 0.70 * 0.95 = 665/1000
		return roundHalfUp(base, 665, 1000), 5, nil
	case OptionFull100Discount:
		return roundHalfUp(base, 90, 100), 10, nil
	default:
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownPaymentOption, option)
	}
}

// roundHalfUp умножает value на num/den с округлением до ближайшей
// минимальной денежной единицы, половина округляется вверх.
func roundHalfUp(value, num, den int64) int64 {
	return (value*num + den/2) / den
}

// daysBetween возвращает длительность в днях, округлённую вверх.
func daysBetween(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}

	const day = 24 * time.Hour
	d := end.Sub(start)

	days := int(d / day)
	if d%day > 0 {
		days++
	}
	return days
}
