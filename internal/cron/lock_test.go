package cron

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	values map[string]string
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func TestRedisLockExclusive(t *testing.T) {
	store := &memoryStore{values: map[string]string{}}
	a, err := NewRedisLock(store, "paycore:cron:lock", 0)
	require.NoError(t, err)
	b, err := NewRedisLock(store, "paycore:cron:lock", 0)
	require.NoError(t, err)

	ok, err := a.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// b never held it, so its release must not free a's lock
	require.NoError(t, b.Release(context.Background()))
	assert.Contains(t, store.values, "paycore:cron:lock")

	require.NoError(t, a.Release(context.Background()))
	assert.NotContains(t, store.values, "paycore:cron:lock")
}

func TestRedisLockReleaseAfterTakeover(t *testing.T) {
	store := &memoryStore{values: map[string]string{}}
	a, _ := NewRedisLock(store, "k", time.Minute)
	ok, _ := a.Acquire(context.Background())
	require.True(t, ok)

	// TTL lapsed and another worker took over
	store.values["k"] = "someone-else"
	require.NoError(t, a.Release(context.Background()))
	assert.Equal(t, "someone-else", store.values["k"])
}
