package store

import (
	"context"
	"errors"
	"fmt"
)

// Collection names, shared by every backend implementation.
const (
	CollAPIs          = "apis"
	CollEndpoints     = "endpoints"
	CollUsers         = "users"
	CollTiers         = "tiers"
	CollRoles         = "roles"
	CollGroups        = "groups"
	CollSubscriptions = "subscriptions"
	CollRoutings      = "routings"
	CollCreditDefs    = "credit_definitions"
	CollUserCredits   = "user_credits"
	CollVaultEntries  = "vault_entries"
)

// ErrNotFound is returned when a find/update/delete targets a document that
// does not exist.
var ErrNotFound = errors.New("store: document not found")

// ErrConflict is returned when an insert would violate a unique index.
var ErrConflict = errors.New("store: unique constraint violated")

// BackendError wraps an underlying backend failure (I/O, network, codec).
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *BackendError) Unwrap() error { return e.Err }

// Filter is a simple equality filter over document fields; nil/empty matches
// every document in the collection. Backends are expected to implement it
// with whatever native query mechanism they have (map scan for the in-memory
// backend, a docstore.Query for the external backend).
type Filter map[string]any

// Facade is the single CRUD surface every domain package builds on. It knows
// nothing about HTTP, caching, or business rules — those live in the
// components that consume it.
type Facade interface {
	// FindOne returns the first document in coll matching filter, decoded into out
	// (a pointer to one of the entity structs). Returns ErrNotFound if none match.
	FindOne(ctx context.Context, coll string, filter Filter, out any) error

	// FindList returns every document in coll matching filter, decoded into out
	// (a pointer to a slice of entity structs).
	FindList(ctx context.Context, coll string, filter Filter, out any) error

	// InsertOne inserts doc (a pointer to an entity struct) into coll. Returns
	// ErrConflict if a unique index on coll would be violated.
	InsertOne(ctx context.Context, coll string, doc any) error

	// UpdateOne replaces the document in coll matching filter with doc. Returns
	// ErrNotFound if none match.
	UpdateOne(ctx context.Context, coll string, filter Filter, doc any) error

	// DeleteOne removes the document in coll matching filter. Returns
	// ErrNotFound if none match.
	DeleteOne(ctx context.Context, coll string, filter Filter) error

	// CreateIndexes declares the unique-key shape of coll. Backends that
	// support native indexes create them; the in-memory backend uses this to
	// build its uniqueness-check key function.
	CreateIndexes(ctx context.Context, coll string, uniqueKeys ...[]string) error

	// Close releases backend resources (connections, file handles).
	Close(ctx context.Context) error
}

// DefaultUniqueKeys is the fixed index shape used by both backends,
// declared once at startup via CreateIndexes.
var DefaultUniqueKeys = map[string][][]string{
	CollAPIs:          {{"APIName", "APIVersion"}},
	CollEndpoints:     {{"APIName", "APIVersion", "Method", "URI"}},
	CollUsers:         {{"Username"}, {"Email"}},
	CollTiers:         {{"TierName"}},
	CollRoles:         {{"RoleName"}},
	CollGroups:        {{"GroupName"}},
	CollSubscriptions: {{"Username"}},
	CollRoutings:      {{"ClientKey", "APIName", "APIVersion"}},
	CollCreditDefs:    {{"APICreditGroup"}},
	CollUserCredits:   {{"Username"}},
	CollVaultEntries:  {{"Username", "KeyName"}},
}

// DeclareIndexes runs CreateIndexes for every collection in DefaultUniqueKeys.
func DeclareIndexes(ctx context.Context, f Facade) error {
	for coll, keys := range DefaultUniqueKeys {
		if err := f.CreateIndexes(ctx, coll, keys...); err != nil {
			return fmt.Errorf("store: create indexes for %s: %w", coll, err)
		}
	}
	return nil
}
