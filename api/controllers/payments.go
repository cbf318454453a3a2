package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/paycore/api/responses"
	"github.com/angelmondragon/paycore/api/validators"
	"github.com/angelmondragon/paycore/internal/confirmation"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

type paymentConfirmer interface {
	Confirm(ctx context.Context, req confirmation.ConfirmRequest) (*confirmation.Result, error)
}

type confirmPaymentRequest struct {
	Gateway        string `json:"gateway" validate:"required,max=64"`
	VendorChargeID string `json:"vendor_charge_id" validate:"omitempty,max=255"`
	OrderID        string `json:"order_id" validate:"omitempty,uuid"`
}

// ConfirmPayment serves the browser's return from the gateway. A charge the
// gateway has not settled yet answers 202 so the client keeps polling while
// the webhook catches up.
func ConfirmPayment(svc paymentConfirmer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "confirmation service unavailable"))
			return
		}

		var payload confirmPaymentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if payload.VendorChargeID == "" && payload.OrderID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "vendor_charge_id or order_id required"))
			return
		}

		result, err := svc.Confirm(r.Context(), confirmation.ConfirmRequest{
			GatewayID:      payload.Gateway,
			VendorChargeID: payload.VendorChargeID,
			OrderID:        payload.OrderID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusOK
		if result.Pending {
			status = http.StatusAccepted
		}
		responses.WriteSuccessStatus(w, status, result)
	}
}
