package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/bank-sync/pkg/models"
)

// PersistFunc is invoked after every credential replacement so the host
// can write the new set to durable storage.
type PersistFunc func(ctx context.Context, set models.CredentialSet) error

// Store holds the live credential set for one linked bank connection.
// Replace is atomic: concurrent readers observe either the old or the
// new set in full, never a mixture. The store validates nothing; tokens
// are opaque carriers.
type Store struct {
	mu      sync.RWMutex
	set     models.CredentialSet
	persist PersistFunc
}

// NewStore creates a store seeded with the initial credential set.
// persist may be nil when the host does not need durable storage.
func NewStore(initial models.CredentialSet, persist PersistFunc) *Store {
	return &Store{
		set:     initial,
		persist: persist,
	}
}

// Read returns a copy of the current credential set
func (s *Store) Read() models.CredentialSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

// Replace atomically swaps in a new credential set and invokes the
// persistence callback. The swap happens even when persistence fails;
// the in-memory set is the source of truth for the running coordinator.
func (s *Store) Replace(ctx context.Context, set models.CredentialSet) error {
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist(ctx, set); err != nil {
			return fmt.Errorf("failed to persist credentials: %w", err)
		}
	}

	return nil
}
