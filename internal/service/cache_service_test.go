package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
)

type memoryCacheRepo struct {
	values  map[string]interface{}
	deleted []string
	getErr  error
}

func (m *memoryCacheRepo) Get(_ context.Context, key string, dest interface{}) error {
	if m.getErr != nil {
		return m.getErr
	}
	value, ok := m.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	if target, ok := dest.(*string); ok {
		*target = value.(string)
	}
	return nil
}

func (m *memoryCacheRepo) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	if m.values == nil {
		m.values = make(map[string]interface{})
	}
	m.values[key] = value
	return nil
}

func (m *memoryCacheRepo) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.values, key)
		m.deleted = append(m.deleted, key)
	}
	return nil
}

func TestCacheServiceRoundTripAndInvalidate(t *testing.T) {
	repo := &memoryCacheRepo{}
	metrics := NewMetricsService()
	svc := NewCacheService(repo, metrics, time.Minute, zap.NewNop(), true)
	ctx := context.Background()
	key := SettlementResultsCacheKey("stg-1")
	assert.Equal(t, "settlement:results:stg-1", key)

	var dest string
	hit, err := svc.Get(ctx, key, &dest)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, svc.Set(ctx, key, "cached", 0))
	hit, err = svc.Get(ctx, key, &dest)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "cached", dest)

	require.NoError(t, svc.Invalidate(ctx, key))
	assert.Equal(t, []string{key}, repo.deleted)
	assert.Equal(t, uint64(1), metrics.Snapshot().CacheHits)
}

func TestCacheServiceDisabledAndErrors(t *testing.T) {
	disabled := NewCacheService(&memoryCacheRepo{}, nil, 0, nil, false)
	hit, err := disabled.Get(context.Background(), "k", new(string))
	require.NoError(t, err)
	assert.False(t, hit)

	failing := NewCacheService(&memoryCacheRepo{getErr: errors.New("redis down")}, nil, 0, zap.NewNop(), true)
	_, err = failing.Get(context.Background(), "k", new(string))
	assert.Error(t, err)
}
