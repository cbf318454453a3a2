package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/paycore/api/responses"
	"github.com/angelmondragon/paycore/api/validators"
	"github.com/angelmondragon/paycore/internal/gateway"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

type gatewayCatalog interface {
	List() []gateway.Meta
	Require(id string) (gateway.Gateway, error)
}

// ListGateways returns metadata for every registered adapter, promos included.
func ListGateways(reg gatewayCatalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reg == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gateway registry unavailable"))
			return
		}
		responses.WriteSuccess(w, map[string]any{"gateways": reg.List()})
	}
}

type validateSettingsRequest struct {
	Mode        string            `json:"mode" validate:"required,oneof=test live"`
	Credentials map[string]string `json:"credentials" validate:"required"`
}

// ValidateGatewaySettings runs an adapter's settings check before an operator
// saves new credentials. Nothing is persisted.
func ValidateGatewaySettings(reg gatewayCatalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reg == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gateway registry unavailable"))
			return
		}
		id := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "gateway")))
		g, err := reg.Require(id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload validateSettingsRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		settings := gateway.Settings{Mode: payload.Mode, Credentials: make(map[string]string, len(payload.Credentials))}
		for k, v := range payload.Credentials {
			settings.Credentials[k] = strings.TrimSpace(v)
		}

		if err := g.ValidateSettings(settings); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"gateway": id, "mode": payload.Mode, "valid": true})
	}
}
