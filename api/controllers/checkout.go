package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/paycore/api/responses"
	"github.com/angelmondragon/paycore/api/validators"
	checkoutsvc "github.com/angelmondragon/paycore/internal/checkout"
	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

type createOrderRequest struct {
	CustomerRef  string               `json:"customer_ref" validate:"required,max=255"`
	Currency     string               `json:"currency" validate:"required,len=3"`
	TotalCents   int64                `json:"total_cents" validate:"min=0"`
	Gateway      string               `json:"gateway" validate:"required,max=64"`
	Mode         string               `json:"mode" validate:"omitempty,oneof=test live"`
	Subscription *subscriptionRequest `json:"subscription,omitempty"`
}

type subscriptionRequest struct {
	ProductID            string `json:"product_id" validate:"required,max=255"`
	VariationID          string `json:"variation_id" validate:"omitempty,max=255"`
	Interval             string `json:"interval" validate:"required,oneof=daily weekly monthly quarterly half_yearly yearly"`
	RecurringAmountCents int64  `json:"recurring_amount_cents" validate:"gt=0"`
	InitialAmountCents   int64  `json:"initial_amount_cents" validate:"min=0"`
	TrialDays            int    `json:"trial_days" validate:"min=0,max=730"`
	BillTimes            int    `json:"bill_times" validate:"min=0"`
}

type createOrderResponse struct {
	Order        *orderResponse        `json:"order"`
	Transaction  *transactionResponse  `json:"transaction"`
	Subscription *subscriptionResponse `json:"subscription,omitempty"`
}

// CreateOrder records a priced cart handed over by the storefront along with
// its pending charge and, for recurring products, a pending subscription.
func CreateOrder(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		var payload createOrderRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := checkoutsvc.CreateOrderInput{
			CustomerRef: validators.SanitizeString(payload.CustomerRef, 255),
			Currency:    strings.ToUpper(payload.Currency),
			TotalCents:  payload.TotalCents,
			Gateway:     payload.Gateway,
			Mode:        enums.PaymentMode(payload.Mode),
		}
		if s := payload.Subscription; s != nil {
			input.Subscription = &subscriptions.Terms{
				ProductID:            s.ProductID,
				VariationID:          s.VariationID,
				Interval:             enums.BillingInterval(s.Interval),
				RecurringAmountCents: s.RecurringAmountCents,
				InitialAmountCents:   s.InitialAmountCents,
				TrialDays:            s.TrialDays,
				BillTimes:            s.BillTimes,
			}
		}

		created, err := svc.CreateOrder(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, createOrderResponse{
			Order:        newOrderResponse(created.Order),
			Transaction:  newTransactionResponse(created.Transaction),
			Subscription: newSubscriptionResponse(created.Subscription),
		})
	}
}

type payOrderRequest struct {
	PaymentMethodToken string `json:"payment_method_token" validate:"omitempty,max=512"`
	ReturnURL          string `json:"return_url" validate:"omitempty,url"`
	Customer           struct {
		Email string `json:"email" validate:"omitempty,email"`
		Name  string `json:"name" validate:"omitempty,max=255"`
	} `json:"customer"`
}

// PayOrder executes one payment attempt for an order. Redirect and pending
// outcomes answer 202; the browser confirmation or the webhook settles them.
func PayOrder(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		orderID, err := uuid.Parse(chi.URLParam(r, "orderId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid order id"))
			return
		}

		var payload payOrderRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Pay(r.Context(), orderID, checkoutsvc.PayInput{
			PaymentMethodToken: strings.TrimSpace(payload.PaymentMethodToken),
			ReturnURL:          payload.ReturnURL,
			IdempotencyKey:     strings.TrimSpace(r.Header.Get("Idempotency-Key")),
			Customer: gateway.Customer{
				Email: payload.Customer.Email,
				Name:  validators.SanitizeString(payload.Customer.Name, 255),
			},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusOK
		if result.PaymentStatus != enums.PaymentStatusPaid {
			status = http.StatusAccepted
		}
		responses.WriteSuccessStatus(w, status, result)
	}
}
