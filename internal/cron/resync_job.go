package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

const (
	defaultResyncBatch      = 100
	defaultResyncStaleAfter = 24 * time.Hour
)

type resyncCandidates interface {
	ListForResync(ctx context.Context, staleBefore time.Time, limit int) ([]models.Subscription, error)
}

type resyncer interface {
	ReSyncFromRemote(ctx context.Context, subID uuid.UUID) (*subscriptions.ResyncResult, error)
}

type capabilityLookup interface {
	Capabilities(id string) gateway.Capabilities
}

// ResyncJobParams configures the subscription resync job.
type ResyncJobParams struct {
	Logger     *logger.Logger
	Candidates resyncCandidates
	Manager    resyncer
	Gateways   capabilityLookup
	BatchSize  int
	StaleAfter time.Duration
	Now        func() time.Time
}

// NewResyncJob builds the job that replays gateway subscription history for
// subscriptions not synced recently. It heals missed renewal webhooks.
func NewResyncJob(params ResyncJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Candidates == nil {
		return nil, fmt.Errorf("subscription repository required")
	}
	if params.Manager == nil {
		return nil, fmt.Errorf("subscription manager required")
	}
	if params.Gateways == nil {
		return nil, fmt.Errorf("gateway registry required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultResyncBatch
	}
	stale := params.StaleAfter
	if stale <= 0 {
		stale = defaultResyncStaleAfter
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &resyncJob{
		logg:       params.Logger,
		candidates: params.Candidates,
		manager:    params.Manager,
		gateways:   params.Gateways,
		batch:      batch,
		stale:      stale,
		now:        now,
	}, nil
}

type resyncJob struct {
	logg       *logger.Logger
	candidates resyncCandidates
	manager    resyncer
	gateways   capabilityLookup
	batch      int
	stale      time.Duration
	now        func() time.Time
}

func (j *resyncJob) Name() string { return "subscription-resync" }

func (j *resyncJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.stale)
	subs, err := j.candidates.ListForResync(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("list subscriptions for resync: %w", err)
	}

	var errs error
	var synced, unsupported, replayed int
	for i := range subs {
		sub := &subs[i]
		if j.gateways.Capabilities(sub.Gateway).Syncer == nil {
			unsupported++
			continue
		}
		subCtx := j.logg.WithGateway(j.logg.WithField(ctx, "subscription_id", sub.ID.String()), sub.Gateway)
		result, err := j.manager.ReSyncFromRemote(subCtx, sub.ID)
		if result != nil {
			replayed += result.Replayed
		}
		if err != nil {
			// a subscription deleted on the gateway side is reported, not retried forever
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				j.logg.Warn(subCtx, "remote subscription not found")
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("resync %s: %w", sub.ID, err))
			continue
		}
		synced++
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates":  len(subs),
		"synced":      synced,
		"replayed":    replayed,
		"unsupported": unsupported,
		"failed":      len(multierr.Errors(errs)),
	}), "subscription resync complete")
	return errs
}
