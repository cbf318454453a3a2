// Package bootstrap builds the per-process gateway registry.
package bootstrap

import (
	"context"
	"net/http"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/gateways/offline"
	squaregw "github.com/angelmondragon/paycore/internal/gateways/square"
	stripegw "github.com/angelmondragon/paycore/internal/gateways/stripe"
	"github.com/angelmondragon/paycore/pkg/config"
	"github.com/angelmondragon/paycore/pkg/logger"
	"github.com/angelmondragon/paycore/pkg/money"
	pkgsquare "github.com/angelmondragon/paycore/pkg/square"
	pkgstripe "github.com/angelmondragon/paycore/pkg/stripe"
)

// PromoPayPalID is listed as an upsell when no PayPal adapter is installed.
const PromoPayPalID = "paypal"

// Extension registers third-party adapters. It runs after the built-in and
// first-party adapters, so it cannot take over their identifiers.
type Extension func(ctx context.Context, reg *gateway.Registry, deps Deps) error

// Deps are shared with every adapter constructor.
type Deps struct {
	Normalizer *money.Normalizer
	Logger     *logger.Logger

	// StripeAPI and SquareAPI override the clients built from config.
	StripeAPI stripegw.API
	SquareAPI squaregw.API
}

// Build registers adapters in order: built-in, first-party, extensions, then
// promo placeholders for identifiers nobody claimed.
func Build(ctx context.Context, cfg *config.Config, deps Deps, extensions ...Extension) (*gateway.Registry, error) {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Normalizer == nil {
		deps.Normalizer = money.NewNormalizer(deps.Logger)
	}
	logg := deps.Logger
	reg := gateway.NewRegistry(logg)

	if cfg.Gateways.IsEnabled(offline.ID) {
		reg.RegisterFrom(ctx, "builtin", offline.ID, offline.New(logg))
	}

	if cfg.Gateways.IsEnabled(stripegw.ID) {
		reg.RegisterFrom(ctx, "first_party", stripegw.ID, stripegw.New(stripeAPI(ctx, cfg, deps), deps.Normalizer, logg))
	}
	if cfg.Gateways.IsEnabled(squaregw.ID) {
		reg.RegisterFrom(ctx, "first_party", squaregw.ID, squaregw.New(squareAPI(ctx, cfg, deps), deps.Normalizer, logg))
	}

	for _, ext := range extensions {
		if ext == nil {
			continue
		}
		if err := ext(ctx, reg, deps); err != nil {
			return nil, err
		}
	}

	if cfg.FeatureFlags.PromoPlaceholders {
		reg.RegisterPromo(ctx, PromoPayPalID, gateway.NewPromo(PromoPayPalID, "PayPal", "Install the PayPal add-on to accept PayPal."))
	}

	logg.Info(logg.WithField(ctx, "gateways", reg.Identifiers()), "gateway registry built")
	return reg, nil
}

// stripeAPI returns nil when credentials are missing; the adapter then stays
// listed but refuses to execute.
func stripeAPI(ctx context.Context, cfg *config.Config, deps Deps) stripegw.API {
	if deps.StripeAPI != nil {
		return deps.StripeAPI
	}
	client, err := pkgstripe.NewClient(ctx, cfg.Stripe, deps.Logger)
	if err != nil {
		deps.Logger.Warn(deps.Logger.WithFields(ctx, map[string]any{"gateway": stripegw.ID, "reason": err.Error()}), "stripe not configured")
		return nil
	}
	return client
}

func squareAPI(ctx context.Context, cfg *config.Config, deps Deps) squaregw.API {
	if deps.SquareAPI != nil {
		return deps.SquareAPI
	}
	client, err := pkgsquare.NewClient(ctx, cfg.Square, deps.Logger)
	if err != nil {
		deps.Logger.Warn(deps.Logger.WithFields(ctx, map[string]any{"gateway": squaregw.ID, "reason": err.Error()}), "square not configured")
		return nil
	}
	return client
}

// AttachWebhooks hands every adapter that decodes its own notifications the
// handler built for it. It returns the identifiers that were attached.
func AttachWebhooks(reg *gateway.Registry, handlerFor func(id string, src gateway.WebhookSource) http.Handler) []string {
	var attached []string
	for _, id := range reg.Identifiers() {
		src := reg.Capabilities(id).Webhooks
		if src == nil {
			continue
		}
		g, _ := reg.Get(id)
		target, ok := g.(gateway.Attachable)
		if !ok {
			continue
		}
		target.Attach(handlerFor(id, src))
		attached = append(attached, id)
	}
	return attached
}
