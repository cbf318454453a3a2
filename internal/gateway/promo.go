package gateway

import (
	"context"
	"net/http"

	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

// Promo is an upsell placeholder for a gateway that is not installed. It is
// listed at checkout but refuses every operation with a configuration error.
type Promo struct {
	meta Meta
}

// NewPromo builds a placeholder with the given identifier and title.
func NewPromo(id, title, description string) *Promo {
	return &Promo{meta: Meta{
		Identifier:  id,
		Title:       title,
		Description: description,
		Promo:       true,
	}}
}

func (p *Promo) Meta() Meta { return p.meta }

func (p *Promo) unavailable() error {
	return pkgerrors.New(pkgerrors.CodeGatewayConfig, p.meta.Title+" is not installed").
		WithDetails(map[string]any{"gateway": p.meta.Identifier})
}

func (p *Promo) ExecuteSinglePayment(context.Context, *PaymentInstance) (*Response, error) {
	return nil, p.unavailable()
}

func (p *Promo) ExecuteSubscriptionPayment(context.Context, *PaymentInstance) (*Response, error) {
	return nil, p.unavailable()
}

func (p *Promo) Refund(context.Context, *models.Transaction, int64, RefundArgs) (string, error) {
	return "", p.unavailable()
}

func (p *Promo) ValidateSettings(Settings) error {
	return p.unavailable()
}

// HandleWebhook acknowledges so a stray sender does not retry forever.
func (p *Promo) HandleWebhook(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"data":{"status":"ignored"}}`))
}
