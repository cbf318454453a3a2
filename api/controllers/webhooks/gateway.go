package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/paycore/api/responses"
	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/webhooks"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

const maxWebhookBody = 1 << 20

type processor interface {
	Process(ctx context.Context, gatewayID string, src gateway.WebhookSource, r *http.Request, body []byte) (*webhooks.Result, error)
}

// GatewayWebhook serves one adapter's notifications through the shared
// pipeline. It is attached to the adapter so Gateway.HandleWebhook owns the
// HTTP exchange.
func GatewayWebhook(p processor, gatewayID string, src gateway.WebhookSource, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if p == nil || src == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeGatewayConfig, "webhooks not enabled").
				WithDetails(map[string]any{"gateway": gatewayID}))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		result, err := p.Process(ctx, gatewayID, src, r, payload)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			// a verified notification is never bounced; resync heals it
			if logg != nil {
				logg.Error(logg.WithGateway(ctx, gatewayID), "webhook processing failed", err)
			}
			result = &webhooks.Result{Status: webhooks.StatusDeferred}
		}
		responses.WriteSuccess(w, result)
	}
}

// Dispatch routes POST /webhooks/{gateway} to the registered adapter.
func Dispatch(registry *gateway.Registry, gatewayParam func(*http.Request) string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := registry.Require(gatewayParam(r))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		g.HandleWebhook(w, r)
	}
}
