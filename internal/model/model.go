// Package model содержит доменные сущности платёжного сервиса paymart.
package model

import (
	"errors"
	"time"
)

// Суммы во всей системе хранятся в минимальных денежных единицах (kobo)
// как целые int64, чтобы исключить ошибки плавающей точки в денежных расчётах.

// Названия статусов заказа в справочнике статусов.
const (
	StatusPending       = "pending"
	StatusPartiallyPaid = "partially_paid"
	StatusPaid          = "paid"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
	StatusRefunded      = "refunded"
)

// ResolveStatus возвращает название статуса заказа по накопленной оплате.
// Переплата допустима и трактуется как полностью оплаченный заказ.
func ResolveStatus(paidTotal, expected int64) string {
	switch {
	case expected > 0 && paidTotal >= expected:
		return StatusPaid
	case paidTotal > 0:
		return StatusPartiallyPaid
	default:
		return StatusPending
	}
}

// ReferralCommissionPercent — доля реферальной комиссии от оплаченной суммы.
const ReferralCommissionPercent = 10

// ReferralCommission возвращает комиссию пригласившего с указанной оплаты.
// Округление к ближайшему, половина вверх, в минимальных денежных единицах.
func ReferralCommission(paidNow int64) int64 {
	return (paidNow*ReferralCommissionPercent + 50) / 100
}

// Order описывает единицу коммерции: индивидуальный проект, аренду или покупку курса.
type Order struct {
	ID           int64
	UserID       int64
	CategoryID   int64
	Title        string
	TotalAmount  int64
	AmountPaid   int64
	StatusID     int64
	Status       string
	TrackingCode string
	StartDate    *time.Time
	EndDate      *time.Time
	CreatedAt    time.Time
}

// Payment — неизменяемая запись об одной транзакции платёжного шлюза.
type Payment struct {
	ID              int64
	OrderID         int64
	Reference       string
	Amount          int64
	Currency        string
	Status          string
	GatewayResponse string
	PayerEmail      string
	PaymentOption   string
	DiscountPercent int
	CreatedAt       time.Time
}

// Статусы платежа, приходящие от шлюза.
const (
	PaymentStatusSuccess = "success"
	PaymentStatusFailed  = "failed"
)

// Статусы индивидуального предложения.
const (
	OfferStatusPending  = "pending"
	OfferStatusAccepted = "accepted"
	OfferStatusRejected = "rejected"
	OfferStatusExpired  = "expired"
)

// CustomOffer — согласованная цена для конкретного заказа.
type CustomOffer struct {
	ID        int64
	OrderID   int64
	Amount    int64
	Status    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Course описывает курс из каталога.
type Course struct {
	ID        int64
	Title     string
	Price     int64
	StartDate time.Time
	EndDate   time.Time
	Active    bool
}

// Enrollment — запись о зачислении пользователя на курс.
type Enrollment struct {
	ID            int64
	UserID        int64
	CourseID      int64
	OrderID       int64
	PaymentStatus string
}

// RentalBooking — бронирование оборудования на период времени.
type RentalBooking struct {
	ID            int64
	UserID        int64
	EquipmentName string
	Amount        int64
	StartDate     time.Time
	EndDate       time.Time
	PaymentStatus string
}

// ReferralEarning — начисленная реферальная комиссия.
type ReferralEarning struct {
	ID             int64
	ReferrerID     int64
	ReferredUserID int64
	OrderID        int64
	Amount         int64
	CreatedAt      time.Time
}

// Notification — уведомление для администратора о событии по заказу.
type Notification struct {
	ID        int64
	OrderID   int64
	Message   string
	Read      bool
	CreatedAt time.Time
}

// User — покупатель; ReferrerID указывает на пригласившего пользователя.
type User struct {
	ID         int64
	Email      string
	Name       string
	ReferrerID *int64
	CreatedAt  time.Time
}

// ServiceKind задаёт тип оплачиваемой услуги.
type ServiceKind string

// Допустимые типы услуг.
const (
	ServiceCourse ServiceKind = "course"
	ServiceOffer  ServiceKind = "custom-offer"
	ServiceRental ServiceKind = "rental"
)

// ErrUnknownService возвращается при неизвестном типе услуги в метаданных платежа.
var ErrUnknownService = errors.New("unknown service type")

// PaidService — закрытый тип-сумма оплачиваемой услуги. Единственный способ
// получить значение извне пакета — NewPaidService, поэтому некорректные
// комбинации тип/идентификатор непредставимы.
type PaidService interface {
	Kind() ServiceKind
	sealed()
}

// CoursePurchase — оплата курса в рамках заказа.
type CoursePurchase struct {
	OrderID  int64
	CourseID int64
}

// Kind возвращает тип услуги.
func (CoursePurchase) Kind() ServiceKind { return ServiceCourse }

func (CoursePurchase) sealed() {}

// OfferPurchase — оплата индивидуального предложения в рамках заказа.
type OfferPurchase struct {
	OrderID int64
	OfferID int64
}

// Kind возвращает тип услуги.
func (OfferPurchase) Kind() ServiceKind { return ServiceOffer }

func (OfferPurchase) sealed() {}

// RentalPayment — оплата бронирования аренды. Заказ для единой истории
// списаний создаётся внутри транзакции сверки, поэтому внешнего OrderID нет.
type RentalPayment struct {
	BookingID int64
}

// Kind возвращает тип услуги.
func (RentalPayment) Kind() ServiceKind { return ServiceRental }

func (RentalPayment) sealed() {}

// NewPaidService строит значение PaidService по типу услуги и идентификаторам
// из метаданных платежа. Для course и custom-offer обязателен orderID,
// для rental productID трактуется как идентификатор бронирования.
func NewPaidService(kind ServiceKind, orderID, productID int64) (PaidService, error) {
	switch kind {
	case ServiceCourse:
		if orderID <= 0 || productID <= 0 {
			return nil, ErrUnknownService
		}
		return CoursePurchase{OrderID: orderID, CourseID: productID}, nil
	case ServiceOffer:
		if orderID <= 0 || productID <= 0 {
			return nil, ErrUnknownService
		}
		return OfferPurchase{OrderID: orderID, OfferID: productID}, nil
	case ServiceRental:
		if productID <= 0 {
			return nil, ErrUnknownService
		}
		return RentalPayment{BookingID: productID}, nil
	default:
		return nil, ErrUnknownService
	}
}
