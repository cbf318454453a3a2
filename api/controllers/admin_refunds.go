package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/api/middleware"
	"github.com/angelmondragon/paycore/api/responses"
	"github.com/angelmondragon/paycore/api/validators"
	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/transactions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

type refundRequester interface {
	RequestRefund(ctx context.Context, gw gateway.Gateway, req transactions.RefundRequest) (*models.Transaction, error)
}

type transactionLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
}

type gatewayRequirer interface {
	Require(id string) (gateway.Gateway, error)
}

type refundTransactionRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
	Reason      string `json:"reason" validate:"omitempty,max=500"`
}

// RefundTransaction issues an operator-initiated refund against a settled
// charge through the charge's own gateway.
func RefundTransaction(svc refundRequester, txns transactionLookup, reg gatewayRequirer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || txns == nil || reg == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "refund service unavailable"))
			return
		}

		chargeID, err := uuid.Parse(chi.URLParam(r, "transactionId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction id"))
			return
		}

		var payload refundTransactionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		charge, err := txns.FindByID(r.Context(), chargeID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found"))
				return
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction"))
			return
		}
		gw, err := reg.Require(charge.Gateway)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithGateway(logg.WithOrderID(ctx, charge.OrderID.String()), charge.Gateway)
		}
		reason := validators.SanitizeString(payload.Reason, 500)
		if reason == "" {
			reason = "requested by " + middleware.SubjectFromContext(ctx)
		}
		refund, err := svc.RequestRefund(ctx, gw, transactions.RefundRequest{
			ChargeID:    charge.ID,
			AmountCents: payload.AmountCents,
			Reason:      reason,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newTransactionResponse(refund))
	}
}
