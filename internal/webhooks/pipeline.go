// Package webhooks runs inbound gateway notifications through signature
// verification, deduplication, order resolution and dispatch.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/angelmondragon/paycore/internal/gateway"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
	"github.com/angelmondragon/paycore/pkg/metrics"
)

// Status values reported back to the sender in the success envelope.
const (
	StatusProcessed  = "processed"
	StatusIgnored    = "ignored"
	StatusDuplicate  = "duplicate"
	StatusNotOurs    = "not_ours"
	StatusUnhandled  = "unhandled"
	StatusUnresolved = "unresolved"
	// StatusDeferred acknowledges a verified notification that could not be
	// applied yet. The dedupe mark is released and the resync job heals it.
	StatusDeferred = "deferred"
)

type resolver interface {
	Resolve(ctx context.Context, ev *gateway.WebhookEvent) (*Resolution, error)
}

// Result is returned for every notification that is acknowledged with 200.
type Result struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

// PipelineParams wires a Pipeline.
type PipelineParams struct {
	Guard    *Guard
	Resolver resolver
	Handlers map[gateway.EventType]Handler
	Metrics  *metrics.PaymentMetrics
	Logger   *logger.Logger
}

// Pipeline is shared by every adapter that implements gateway.WebhookSource.
type Pipeline struct {
	guard    *Guard
	resolver resolver
	handlers map[gateway.EventType]Handler
	metrics  *metrics.PaymentMetrics
	logg     *logger.Logger
}

func NewPipeline(params PipelineParams) (*Pipeline, error) {
	if params.Guard == nil {
		return nil, fmt.Errorf("webhook guard required")
	}
	if params.Resolver == nil {
		return nil, fmt.Errorf("webhook resolver required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	handlers := params.Handlers
	if handlers == nil {
		handlers = map[gateway.EventType]Handler{}
	}
	return &Pipeline{
		guard:    params.Guard,
		resolver: params.Resolver,
		handlers: handlers,
		metrics:  params.Metrics,
		logg:     logg,
	}, nil
}

// Process verifies and applies one notification. Only signature and payload
// failures come back as an error (CodeValidation, answered with 400). Every
// verified notification is acknowledged; one that fails to apply is reported
// as deferred with its dedupe mark released.
func (p *Pipeline) Process(ctx context.Context, gatewayID string, src gateway.WebhookSource, r *http.Request, body []byte) (*Result, error) {
	ctx = p.logg.WithGateway(ctx, gatewayID)

	env, err := src.VerifyWebhook(r, body)
	if err != nil {
		p.metrics.WebhookEvent(gatewayID, "unknown", "rejected")
		p.logg.Warn(p.logg.WithField(ctx, "reason", err.Error()), "webhook verification failed")
		if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeValidation {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid webhook signature")
	}
	ctx = p.logg.WithFields(ctx, map[string]any{"event_id": env.ID, "event_type": env.RawType})

	eventType, ok := src.AcceptedEvents()[env.RawType]
	if !ok {
		p.metrics.WebhookEvent(gatewayID, env.RawType, StatusIgnored)
		p.logg.Debug(ctx, "webhook event type not accepted")
		return &Result{Status: StatusIgnored, EventID: env.ID}, nil
	}

	duplicate, err := p.guard.CheckAndMark(ctx, gatewayID, env.ID)
	if err != nil {
		p.metrics.WebhookEvent(gatewayID, string(eventType), StatusDeferred)
		p.logg.Error(ctx, "webhook idempotency check failed", err)
		return &Result{Status: StatusDeferred, EventID: env.ID}, nil
	}
	if duplicate {
		p.metrics.WebhookEvent(gatewayID, string(eventType), StatusDuplicate)
		p.logg.Info(ctx, "duplicate webhook acknowledged")
		return &Result{Status: StatusDuplicate, EventID: env.ID}, nil
	}

	// the mark is kept only once apply returns an outcome; a failure or a
	// panic inside a handler releases it so a redelivery is processed
	settled := false
	defer func() {
		if settled {
			return
		}
		if releaseErr := p.guard.Release(context.WithoutCancel(ctx), gatewayID, env.ID); releaseErr != nil {
			p.logg.Error(ctx, "failed to release webhook mark", releaseErr)
		}
	}()

	status, err := p.apply(ctx, gatewayID, src, env, eventType)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			p.metrics.WebhookEvent(gatewayID, string(eventType), "rejected")
			p.logg.Warn(p.logg.WithField(ctx, "reason", err.Error()), "webhook payload rejected")
			return nil, err
		}
		p.metrics.WebhookEvent(gatewayID, string(eventType), StatusDeferred)
		p.logg.Error(ctx, "webhook processing deferred", err)
		return &Result{Status: StatusDeferred, EventID: env.ID}, nil
	}
	settled = true
	p.metrics.WebhookEvent(gatewayID, string(eventType), status)
	return &Result{Status: status, EventID: env.ID}, nil
}

func (p *Pipeline) apply(ctx context.Context, gatewayID string, src gateway.WebhookSource, env *gateway.WebhookEnvelope, eventType gateway.EventType) (string, error) {
	ev, err := src.DecodeWebhook(ctx, env, eventType)
	if err != nil {
		if pkgerrors.As(err) != nil {
			return "", err
		}
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode webhook payload")
	}
	if ev.ID == "" {
		ev.ID = env.ID
	}
	if ev.Type == "" {
		ev.Type = eventType
	}
	ev.RawType = env.RawType
	ev.Gateway = gatewayID

	handler, ok := p.handlers[ev.Type]
	if !ok {
		p.logg.Debug(ctx, "no handler for webhook event")
		return StatusUnhandled, nil
	}

	res, err := p.resolver.Resolve(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrNotOurs) {
			p.logg.Info(ctx, "webhook does not reference a local order")
			return StatusNotOurs, nil
		}
		if dataIntegrity(err) {
			p.logg.Warn(p.logg.WithField(ctx, "reason", err.Error()), "webhook could not be resolved")
			return StatusUnresolved, nil
		}
		return "", err
	}
	if res.Order != nil {
		ctx = p.logg.WithOrderID(ctx, res.Order.ID.String())
	}

	if err := handler(ctx, ev, res); err != nil {
		if dataIntegrity(err) {
			p.logg.Warn(p.logg.WithField(ctx, "reason", err.Error()), "webhook left unapplied")
			return StatusUnresolved, nil
		}
		return "", err
	}
	p.logg.Info(ctx, "webhook processed")
	return StatusProcessed, nil
}

// dataIntegrity errors cannot be fixed by redelivery, so they are acknowledged.
func dataIntegrity(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return false
	}
	switch typed.Code() {
	case pkgerrors.CodeNotFound, pkgerrors.CodeStateConflict, pkgerrors.CodeConflict, pkgerrors.CodeAlreadyPaid:
		return true
	default:
		return false
	}
}
