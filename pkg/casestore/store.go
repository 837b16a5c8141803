// Package casestore persists case records and the durable tier of the
// matcher cache. The workflow engine owns all writes to a case; the API
// layer reads.
package casestore

import (
	"context"
	"errors"
	"time"

	"github.com/orderpilot/orderpilot/pkg/contracts"
)

var (
	// ErrNotFound is returned when no case exists with the given id.
	ErrNotFound = errors.New("casestore: case not found")
	// ErrAlreadyExists is returned when Create hits an existing case id.
	ErrAlreadyExists = errors.New("casestore: case already exists")
)

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	TenantID string
	Status   contracts.Status
	Limit    int
}

// Store is the case record contract.
type Store interface {
	// Create inserts a new case. The case id is the idempotency key for
	// workflow starts; a second Create with the same id fails with
	// ErrAlreadyExists.
	Create(ctx context.Context, c *contracts.Case) error

	// Get returns the case by id.
	Get(ctx context.Context, caseID string) (*contracts.Case, error)

	// Update replaces the stored record. UpdatedAt is set by the store.
	Update(ctx context.Context, c *contracts.Case) error

	// List returns cases matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*contracts.Case, error)
}

// MatchEntry is one durable matcher-cache row.
type MatchEntry struct {
	Value    string
	CachedAt time.Time
}

// MatchCache is the durable tier of the catalog matcher cache. Keys are
// already tenant-scoped and normalized by the matcher.
type MatchCache interface {
	GetMatch(ctx context.Context, tenantID, key string) (MatchEntry, bool, error)
	PutMatch(ctx context.Context, tenantID, key, value string) error
}
