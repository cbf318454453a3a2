package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

type fakeCandidates struct {
	subs        []models.Subscription
	staleBefore time.Time
	limit       int
}

func (f *fakeCandidates) ListForResync(_ context.Context, staleBefore time.Time, limit int) ([]models.Subscription, error) {
	f.staleBefore = staleBefore
	f.limit = limit
	return f.subs, nil
}

type fakeResyncer struct {
	errs   map[uuid.UUID]error
	called []uuid.UUID
}

func (f *fakeResyncer) ReSyncFromRemote(_ context.Context, id uuid.UUID) (*subscriptions.ResyncResult, error) {
	f.called = append(f.called, id)
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return &subscriptions.ResyncResult{Replayed: 1}, nil
}

type syncerStub struct{}

func (syncerStub) FetchSubscription(context.Context, *models.Subscription) (*gateway.RemoteSubscription, error) {
	return &gateway.RemoteSubscription{}, nil
}

type capsByGateway map[string]gateway.Capabilities

func (c capsByGateway) Capabilities(id string) gateway.Capabilities { return c[id] }

func TestResyncJobAggregatesFailures(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ok, broken, gone, offline := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	candidates := &fakeCandidates{subs: []models.Subscription{
		{ID: ok, Gateway: "stripe"},
		{ID: broken, Gateway: "stripe"},
		{ID: gone, Gateway: "square"},
		{ID: offline, Gateway: "offline"},
	}}
	manager := &fakeResyncer{errs: map[uuid.UUID]error{
		broken: pkgerrors.New(pkgerrors.CodeDependency, "stripe unavailable"),
		gone:   pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found"),
	}}
	job, err := NewResyncJob(ResyncJobParams{
		Logger:     logger.Nop(),
		Candidates: candidates,
		Manager:    manager,
		Gateways: capsByGateway{
			"stripe": {Syncer: syncerStub{}},
			"square": {Syncer: syncerStub{}},
		},
		BatchSize:  25,
		StaleAfter: 6 * time.Hour,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)

	err = job.Run(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.True(t, errors.Is(err, manager.errs[broken]))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	assert.Equal(t, []uuid.UUID{ok, broken, gone}, manager.called)
	assert.Equal(t, now.Add(-6*time.Hour), candidates.staleBefore)
	assert.Equal(t, 25, candidates.limit)
}

func TestResyncJobRequiresDependencies(t *testing.T) {
	_, err := NewResyncJob(ResyncJobParams{Logger: logger.Nop()})
	assert.Error(t, err)
}
