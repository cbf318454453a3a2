package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/paycore/api/middleware"
	"github.com/angelmondragon/paycore/api/responses"
	"github.com/angelmondragon/paycore/api/validators"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

type subscriptionAdmin interface {
	Cancel(ctx context.Context, subID uuid.UUID, opts subscriptions.CancelOptions) (*models.Subscription, error)
	ReSyncFromRemote(ctx context.Context, subID uuid.UUID) (*subscriptions.ResyncResult, error)
}

type cancelSubscriptionRequest struct {
	// Local skips the gateway call, for agreements already ended remotely.
	Local  bool   `json:"local"`
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

func subscriptionIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "subscriptionId"))
	if err != nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid subscription id")
	}
	return id, nil
}

// CancelSubscription ends a subscription at the gateway and locally.
func CancelSubscription(svc subscriptionAdmin, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		subID, err := subscriptionIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload cancelSubscriptionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.Cancel(r.Context(), subID, subscriptions.CancelOptions{
			Remote:  !payload.Local,
			Reason:  validators.SanitizeString(payload.Reason, 500),
			Channel: "admin:" + middleware.SubjectFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

type resyncResponse struct {
	Subscription *subscriptionResponse `json:"subscription"`
	Matched      int                   `json:"matched"`
	Replayed     int                   `json:"replayed"`
	Skipped      int                   `json:"skipped"`
}

// ResyncSubscription replays the gateway's charge history for one subscription.
func ResyncSubscription(svc subscriptionAdmin, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		subID, err := subscriptionIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.ReSyncFromRemote(r.Context(), subID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, resyncResponse{
			Subscription: newSubscriptionResponse(result.Subscription),
			Matched:      result.Matched,
			Replayed:     result.Replayed,
			Skipped:      result.Skipped,
		})
	}
}
