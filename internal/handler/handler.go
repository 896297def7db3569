// Package handler содержит HTTP-обработчики API сервиса paymart.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/paymart-system/internal/gateway"
	"github.com/mmeshcher/paymart-system/internal/middleware"
	"github.com/mmeshcher/paymart-system/internal/model"
	"github.com/mmeshcher/paymart-system/internal/pricing"
	"github.com/mmeshcher/paymart-system/internal/repository"
	"github.com/mmeshcher/paymart-system/internal/service"
	"github.com/mmeshcher/paymart-system/internal/statuscache"
	"github.com/mmeshcher/paymart-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ConfirmPayment(ctx context.Context, reference string, svc model.PaidService, option string) (*service.Receipt, error)
	HandleChargeSuccess(ctx context.Context, svc model.PaidService, option string, charge service.Charge) (*service.Receipt, error)
	HandleChargeFailure(ctx context.Context, svc model.PaidService, charge service.Charge) error
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	AcceptOffer(ctx context.Context, userID, offerID int64) error
	DeclineOffer(ctx context.Context, userID, offerID int64) error
}

// SignatureVerifier проверяет подпись webhook-запроса.
type SignatureVerifier interface {
	Verify(rawBody []byte, signatureHeader string) bool
}

// Handler реализует HTTP-обработчики API сервиса paymart.
type Handler struct {
	service        Service
	verifier       SignatureVerifier
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, verifier SignatureVerifier, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		verifier:       verifier,
		logger:         logger,
		authMiddleware: auth,
	}
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type verifyRequest struct {
	Reference     string `json:"reference"`
	Service       string `json:"service"`
	OrderID       int64  `json:"order_id"`
	ID            int64  `json:"id"`
	PaymentOption string `json:"payment_option"`
}

type receiptResponse struct {
	OrderID          int64  `json:"order_id,omitempty"`
	Status           string `json:"status,omitempty"`
	AmountPaid       int64  `json:"amount_paid,omitempty"`
	AlreadyProcessed bool   `json:"already_processed,omitempty"`
}

// VerifyPayment обрабатывает синхронный возврат клиента после оплаты:
// состояние транзакции перепроверяется напрямую у шлюза.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid request body"})
		return
	}

	if !validation.IsValidReference(req.Reference) {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid transaction reference"})
		return
	}

	svc, err := model.NewPaidService(model.ServiceKind(req.Service), req.OrderID, req.ID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "unknown service type"})
		return
	}

	receipt, err := h.service.ConfirmPayment(r.Context(), req.Reference, svc, req.PaymentOption)
	if err != nil {
		h.respondPaymentError(w, err, req.Reference)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: "payment verified",
		Data: receiptResponse{
			OrderID:          receipt.OrderID,
			Status:           receipt.OrderStatus,
			AmountPaid:       receipt.PaidTotal,
			AlreadyProcessed: receipt.AlreadyProcessed,
		},
	})
}

func (h *Handler) respondPaymentError(w http.ResponseWriter, err error, reference string) {
	switch {
	case errors.Is(err, service.ErrChargeFailed):
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "charge was not successful"})
	case errors.Is(err, statuscache.ErrNotReady):
		writeJSON(w, http.StatusServiceUnavailable, apiResponse{Success: false, Message: "service temporarily unavailable, retry later"})
	case errors.Is(err, gateway.ErrTransactionNotFound):
		writeJSON(w, http.StatusNotFound, apiResponse{Success: false, Message: "transaction not found"})
	case errors.Is(err, repository.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, apiResponse{Success: false, Message: "order not found"})
	case errors.Is(err, repository.ErrProductNotFound):
		writeJSON(w, http.StatusNotFound, apiResponse{Success: false, Message: "product not found"})
	case errors.Is(err, pricing.ErrUnknownPaymentOption):
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "unknown payment option"})
	case errors.Is(err, model.ErrUnknownService):
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "unknown service type"})
	default:
		h.logger.Error("payment verification error", zap.Error(err), zap.String("reference", reference))
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Message: "internal error"})
	}
}

type orderResponse struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	TotalAmount  int64  `json:"total_amount"`
	AmountPaid   int64  `json:"amount_paid"`
	TrackingCode string `json:"tracking_code,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// GetOrders возвращает единую историю заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, orderResponse{
			ID:           o.ID,
			Title:        o.Title,
			Status:       o.Status,
			TotalAmount:  o.TotalAmount,
			AmountPaid:   o.AmountPaid,
			TrackingCode: o.TrackingCode,
			CreatedAt:    o.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// AcceptOffer принимает индивидуальное предложение текущего пользователя.
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	h.setOfferStatus(w, r, true)
}

// DeclineOffer отклоняет индивидуальное предложение текущего пользователя.
func (h *Handler) DeclineOffer(w http.ResponseWriter, r *http.Request) {
	h.setOfferStatus(w, r, false)
}

func (h *Handler) setOfferStatus(w http.ResponseWriter, r *http.Request, accept bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	offerID, err := strconv.ParseInt(chi.URLParam(r, "offerID"), 10, 64)
	if err != nil || offerID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if accept {
		err = h.service.AcceptOffer(r.Context(), userID, offerID)
	} else {
		err = h.service.DeclineOffer(r.Context(), userID, offerID)
	}
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOfferNotPending):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("set offer status error", zap.Error(err), zap.Int64("offerID", offerID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
