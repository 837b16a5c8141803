package casestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderpilot/orderpilot/pkg/contracts"
)

func testStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			c := &contracts.Case{
				CaseID:   "C1",
				TenantID: "acme",
				UserID:   "u1",
				Status:   contracts.StatusStoringFile,
			}
			require.NoError(t, s.Create(ctx, c))

			got, err := s.Get(ctx, "C1")
			require.NoError(t, err)
			assert.Equal(t, "acme", got.TenantID)
			assert.Equal(t, contracts.StatusStoringFile, got.Status)
			assert.False(t, got.CreatedAt.IsZero())
		})
	}
}

func TestCreateIsIdempotencyBoundary(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			c := &contracts.Case{CaseID: "C1", TenantID: "acme", Status: contracts.StatusStoringFile}
			require.NoError(t, s.Create(ctx, c))

			err := s.Create(ctx, &contracts.Case{CaseID: "C1", TenantID: "acme", Status: contracts.StatusStoringFile})
			assert.ErrorIs(t, err, ErrAlreadyExists)
		})
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateAdvancesStatus(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			c := &contracts.Case{CaseID: "C1", TenantID: "acme", Status: contracts.StatusStoringFile}
			require.NoError(t, s.Create(ctx, c))

			c.Status = contracts.StatusParsing
			c.CanonicalPath = "C1/canonical/v1.json"
			require.NoError(t, s.Update(ctx, c))

			got, err := s.Get(ctx, "C1")
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusParsing, got.Status)
			assert.Equal(t, "C1/canonical/v1.json", got.CanonicalPath)
		})
	}
}

func TestUpdateMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(ctx, &contracts.Case{CaseID: "nope"})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListFiltersByTenantAndStatus(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			seed := []*contracts.Case{
				{CaseID: "A", TenantID: "acme", Status: contracts.StatusCompleted},
				{CaseID: "B", TenantID: "acme", Status: contracts.StatusParsing},
				{CaseID: "C", TenantID: "globex", Status: contracts.StatusParsing},
			}
			for _, c := range seed {
				require.NoError(t, s.Create(ctx, c))
			}

			got, err := s.List(ctx, Filter{TenantID: "acme", Status: contracts.StatusParsing})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "B", got[0].CaseID)

			got, err = s.List(ctx, Filter{TenantID: "acme"})
			require.NoError(t, err)
			assert.Len(t, got, 2)
		})
	}
}

func TestMatchCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryMatchCache()

	_, ok, err := cache.GetMatch(ctx, "acme", "sku|ABC-100")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.PutMatch(ctx, "acme", "sku|ABC-100", "item-42"))

	entry, ok, err := cache.GetMatch(ctx, "acme", "sku|ABC-100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "item-42", entry.Value)
	assert.WithinDuration(t, time.Now(), entry.CachedAt, 5*time.Second)

	// Tenant isolation.
	_, ok, err = cache.GetMatch(ctx, "globex", "sku|ABC-100")
	require.NoError(t, err)
	assert.False(t, ok)
}
