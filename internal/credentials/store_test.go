package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bank-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadReturnsInitialSet(t *testing.T) {
	initial := models.CredentialSet{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
	}

	store := NewStore(initial, nil)
	assert.Equal(t, initial, store.Read())
}

func TestReplaceSwapsWholeSet(t *testing.T) {
	store := NewStore(models.CredentialSet{AccessToken: "old"}, nil)

	next := models.CredentialSet{
		AccessToken:      "acc-2",
		AccessExpiresAt:  time.Now().Add(24 * time.Hour),
		RefreshToken:     "ref-2",
		RefreshExpiresAt: time.Now().Add(30 * 24 * time.Hour),
	}

	require.NoError(t, store.Replace(context.Background(), next))
	assert.Equal(t, next, store.Read())
}

func TestReplaceInvokesPersistOnceWithFullSet(t *testing.T) {
	var (
		calls     int
		persisted models.CredentialSet
	)

	store := NewStore(models.CredentialSet{}, func(ctx context.Context, set models.CredentialSet) error {
		calls++
		persisted = set
		return nil
	})

	next := models.CredentialSet{
		AccessToken:  "acc-2",
		RefreshToken: "ref-2",
	}

	require.NoError(t, store.Replace(context.Background(), next))
	assert.Equal(t, 1, calls)
	assert.Equal(t, next, persisted)
}

func TestReplaceSwapsEvenWhenPersistFails(t *testing.T) {
	store := NewStore(models.CredentialSet{AccessToken: "old"}, func(ctx context.Context, set models.CredentialSet) error {
		return errors.New("disk full")
	})

	next := models.CredentialSet{AccessToken: "new"}

	err := store.Replace(context.Background(), next)
	require.Error(t, err)

	// In-memory set is authoritative for the running coordinator
	assert.Equal(t, "new", store.Read().AccessToken)
}

func TestConcurrentReadersNeverSeeTornSet(t *testing.T) {
	store := NewStore(models.CredentialSet{
		AccessToken:  "acc-0",
		RefreshToken: "ref-0",
	}, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				set := store.Read()
				// Access and refresh tokens are always replaced together,
				// so their suffixes must match.
				assert.Equal(t, set.AccessToken[4:], set.RefreshToken[4:])
			}
		}()
	}

	for i := 1; i <= 100; i++ {
		suffix := time.Now().Format("150405.000000")
		err := store.Replace(context.Background(), models.CredentialSet{
			AccessToken:  "acc-" + suffix,
			RefreshToken: "ref-" + suffix,
		})
		require.NoError(t, err)
	}

	close(stop)
	wg.Wait()
}
