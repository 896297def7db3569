package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/paymart-system/internal/gateway"
	"github.com/mmeshcher/paymart-system/internal/model"
	"github.com/mmeshcher/paymart-system/internal/pricing"
	"github.com/mmeshcher/paymart-system/internal/repository"
	"github.com/mmeshcher/paymart-system/internal/service"
	"github.com/mmeshcher/paymart-system/internal/statuscache"
)

// signatureHeader — заголовок с HMAC-подписью тела webhook-запроса.
const signatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

type webhookEvent struct {
	Event string         `json:"event"`
	Data  gateway.Charge `json:"data"`
}

// Webhook обрабатывает асинхронные уведомления платёжного шлюза.
// Подпись проверяется по сырым байтам тела до любого разбора JSON.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.verifier.Verify(rawBody, r.Header.Get(signatureHeader)) {
		h.logger.Warn("webhook signature mismatch", zap.String("remoteAddr", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var evt webhookEvent
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	switch evt.Event {
	case "charge.success", "charge.failed":
	default:
		// Остальные события шлюза подтверждаем, не обрабатывая,
		// чтобы шлюз не повторял доставку.
		w.WriteHeader(http.StatusOK)
		return
	}

	svc, err := paidServiceFromMetadata(evt.Data.Metadata)
	if err != nil {
		h.logger.Warn("webhook with invalid metadata",
			zap.String("reference", evt.Data.Reference),
			zap.String("service", evt.Data.Metadata.Service))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	charge := service.Charge{
		Reference:       evt.Data.Reference,
		Amount:          evt.Data.Amount,
		Currency:        evt.Data.Currency,
		GatewayResponse: evt.Data.GatewayResponse,
		PayerEmail:      evt.Data.Customer.Email,
		WalletUsed:      evt.Data.Metadata.WalletUsedKobo,
	}

	if evt.Event == "charge.failed" {
		if err := h.service.HandleChargeFailure(r.Context(), svc, charge); err != nil {
			h.logger.Error("webhook charge.failed processing error",
				zap.Error(err), zap.String("reference", charge.Reference))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	_, err = h.service.HandleChargeSuccess(r.Context(), svc, evt.Data.Metadata.PaymentOption, charge)
	if err != nil {
		switch {
		case errors.Is(err, statuscache.ErrNotReady):
			// 503 заставит шлюз повторить доставку позже.
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		case errors.Is(err, pricing.ErrUnknownPaymentOption),
			errors.Is(err, repository.ErrOrderNotFound),
			errors.Is(err, repository.ErrProductNotFound):
			h.logger.Warn("webhook charge.success rejected",
				zap.Error(err), zap.String("reference", charge.Reference))
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("webhook charge.success processing error",
				zap.Error(err), zap.String("reference", charge.Reference))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// paidServiceFromMetadata восстанавливает оплаченную услугу из метаданных
// шлюза. Идентификатор товара выбирается по типу услуги.
func paidServiceFromMetadata(md gateway.Metadata) (model.PaidService, error) {
	kind := model.ServiceKind(md.Service)
	switch kind {
	case model.ServiceCourse:
		return model.NewPaidService(kind, md.OrderID, md.CourseID)
	case model.ServiceOffer:
		return model.NewPaidService(kind, md.OrderID, md.OfferID)
	case model.ServiceRental:
		return model.NewPaidService(kind, 0, md.BookingID)
	default:
		return nil, model.ErrUnknownService
	}
}
