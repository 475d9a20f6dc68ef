package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
)

func TestCacheRepositoryWithoutClientMisses(t *testing.T) {
	repo := NewCacheRepository(nil, nil)
	ctx := context.Background()

	var dest map[string]int
	assert.ErrorIs(t, repo.Get(ctx, "settlement:results:stg-1", &dest), appErrors.ErrCacheMiss)

	_, err := repo.GetString(ctx, "config:student_ranking_weight")
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)

	require.NoError(t, repo.Set(ctx, "k", map[string]int{"a": 1}, 0))
	require.NoError(t, repo.Delete(ctx, "k"))
	require.NoError(t, repo.Close())
}
