package coordinator

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bank-sync/internal/credentials"
	"github.com/bank-sync/internal/provider"
	"github.com/bank-sync/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock freezes time so scheduling rules can be asserted exactly.
// After returns a channel that never fires; cycles are driven directly.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                         { return c.now }
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return make(chan time.Time) }

// fakeAPI delegates to per-test function fields and counts calls.
type fakeAPI struct {
	mu sync.Mutex

	newTokenFn func(secretID, secretKey string) (*provider.TokenPair, error)
	refreshFn  func(refreshToken string) (*provider.TokenRefresh, error)
	listFn     func(requisitionID, token string) ([]string, error)
	detailFn   func(accountID, token string) (*provider.AccountDetail, error)
	balancesFn func(accountID, token string) ([]provider.Balance, error)

	newTokenCalls int
	refreshCalls  int
	listCalls     int
}

func (f *fakeAPI) NewToken(ctx context.Context, secretID, secretKey string) (*provider.TokenPair, error) {
	f.mu.Lock()
	f.newTokenCalls++
	f.mu.Unlock()
	return f.newTokenFn(secretID, secretKey)
}

func (f *fakeAPI) RefreshToken(ctx context.Context, refreshToken string) (*provider.TokenRefresh, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	return f.refreshFn(refreshToken)
}

func (f *fakeAPI) ListAccounts(ctx context.Context, requisitionID, token string) ([]string, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	return f.listFn(requisitionID, token)
}

func (f *fakeAPI) AccountDetails(ctx context.Context, accountID, token string) (*provider.AccountDetail, error) {
	return f.detailFn(accountID, token)
}

func (f *fakeAPI) Balances(ctx context.Context, accountID, token string) ([]provider.Balance, error) {
	return f.balancesFn(accountID, token)
}

func (f *fakeAPI) counts() (newToken, refresh, list int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newTokenCalls, f.refreshCalls, f.listCalls
}

// fakePublisher records everything the coordinator publishes.
type fakePublisher struct {
	mu        sync.Mutex
	snapshots [][]*models.BalanceSnapshot
	statuses  []*models.SyncStatus
	alerts    []*models.SyncAlert
}

func (p *fakePublisher) PublishSnapshots(ctx context.Context, conn *models.Connection, snaps []*models.BalanceSnapshot, lastUpdated time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, snaps)
}

func (p *fakePublisher) PublishStatus(ctx context.Context, status *models.SyncStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
}

func (p *fakePublisher) PublishAlert(ctx context.Context, alert *models.SyncAlert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
}

func (p *fakePublisher) lastAlert() *models.SyncAlert {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.alerts) == 0 {
		return nil
	}
	return p.alerts[len(p.alerts)-1]
}

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const testInterval = 6 * time.Hour

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// happyAPI accepts only the given access token and serves a single
// account with one balance.
func happyAPI(validToken string) *fakeAPI {
	unauthorized := &provider.APIError{
		Kind:       provider.KindUnauthorized,
		StatusCode: 401,
		Detail:     "Token is invalid or expired",
	}

	balance := provider.Balance{BalanceType: "interimAvailable"}
	balance.BalanceAmount.Amount = "1234.56"
	balance.BalanceAmount.Currency = "EUR"

	return &fakeAPI{
		listFn: func(requisitionID, token string) ([]string, error) {
			if token != validToken {
				return nil, unauthorized
			}
			return []string{"a1"}, nil
		},
		detailFn: func(accountID, token string) (*provider.AccountDetail, error) {
			if token != validToken {
				return nil, unauthorized
			}
			return &provider.AccountDetail{
				ID:            accountID,
				InstitutionID: "TESTBANK_XX",
				Status:        "READY",
				OwnerName:     "Jane Doe",
			}, nil
		},
		balancesFn: func(accountID, token string) ([]provider.Balance, error) {
			if token != validToken {
				return nil, unauthorized
			}
			return []provider.Balance{balance}, nil
		},
	}
}

func validCredentials(now time.Time, access string) models.CredentialSet {
	return models.CredentialSet{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(24 * time.Hour),
		RefreshToken:     "ref-1",
		RefreshExpiresAt: now.Add(30 * 24 * time.Hour),
	}
}

func newTestCoordinator(api API, store *credentials.Store, clock Clock, pub Publisher) *Coordinator {
	conn := &models.Connection{
		ID:            "conn-1",
		RequisitionID: "req-1",
		SecretID:      "sid",
		SecretKey:     "skey",
	}
	return New(conn, api, store, clock, pub, testInterval, discardLogger())
}

func TestSuccessfulCycle(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-1")
	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)
	pub := &fakePublisher{}

	c := newTestCoordinator(api, store, clock, pub)
	c.RunCycle(context.Background())

	require.Nil(t, c.LastFailure())
	assert.Equal(t, testStart, c.LastUpdated())
	assert.Equal(t, testStart.Add(testInterval), c.NextRunAt())

	snaps := c.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "a1", snaps[0].AccountID)
	assert.Equal(t, "Jane Doe", snaps[0].AccountName)
	assert.Equal(t, "interimAvailable", snaps[0].BalanceType)
	assert.Equal(t, "TESTBANK_XX", snaps[0].InstitutionID)
	assert.Equal(t, "1234.56", snaps[0].Amount)
	assert.Equal(t, "EUR", snaps[0].Currency)
	assert.Equal(t, testStart, snaps[0].FetchedAt)

	require.Len(t, pub.snapshots, 1)
	require.Len(t, pub.statuses, 1)
	assert.Equal(t, models.SyncStateIdle, pub.statuses[0].State)
	assert.Empty(t, pub.alerts)
}

func TestSnapshotsReplacedWholesale(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-1")

	accounts := []string{"a1", "a2"}
	api.listFn = func(requisitionID, token string) ([]string, error) {
		return accounts, nil
	}

	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)
	c := newTestCoordinator(api, store, clock, nil)

	c.RunCycle(context.Background())
	require.Len(t, c.Snapshots(), 2)

	// An account unlinked at the bank disappears from the next snapshot set
	accounts = []string{"a2"}
	clock.now = clock.now.Add(testInterval)
	c.RunCycle(context.Background())

	snaps := c.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "a2", snaps[0].AccountID)
}

func TestRateLimitRescheduleHonoredExactly(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-1")
	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)

	c := newTestCoordinator(api, store, clock, nil)
	c.RunCycle(context.Background())
	firstUpdate := c.LastUpdated()

	api.listFn = func(requisitionID, token string) ([]string, error) {
		return nil, &provider.APIError{
			Kind:       provider.KindRateLimited,
			StatusCode: 429,
			Detail:     "Rate limit exceeded",
			RetryAfter: 45 * time.Minute,
		}
	}

	clock.now = clock.now.Add(testInterval)
	c.RunCycle(context.Background())

	failure := c.LastFailure()
	require.NotNil(t, failure)
	assert.Equal(t, models.ReasonRateLimited, failure.Reason)
	assert.Equal(t, 45*time.Minute, failure.RetryAfter)

	// The provider's delay is honored exactly, not the base interval
	assert.Equal(t, clock.now.Add(45*time.Minute), c.NextRunAt())

	// Stale snapshots survive the failure
	assert.Len(t, c.Snapshots(), 1)
	assert.Equal(t, firstUpdate, c.LastUpdated())
}

func TestTransientFailureWaitsBaseInterval(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-1")
	api.listFn = func(requisitionID, token string) ([]string, error) {
		return nil, &provider.APIError{Kind: provider.KindTransient, Detail: "connection reset"}
	}
	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)

	c := newTestCoordinator(api, store, clock, nil)
	c.RunCycle(context.Background())

	failure := c.LastFailure()
	require.NotNil(t, failure)
	assert.Equal(t, models.ReasonTransientNetwork, failure.Reason)
	assert.Equal(t, testStart.Add(testInterval), c.NextRunAt())
}

func TestRepairByRefresh(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-2")
	api.refreshFn = func(refreshToken string) (*provider.TokenRefresh, error) {
		assert.Equal(t, "ref-1", refreshToken)
		return &provider.TokenRefresh{Access: "acc-2", AccessExpires: 86400}, nil
	}

	var persisted []models.CredentialSet
	store := credentials.NewStore(validCredentials(testStart, "acc-expired"), func(ctx context.Context, set models.CredentialSet) error {
		persisted = append(persisted, set)
		return nil
	})

	c := newTestCoordinator(api, store, clock, nil)
	c.RunCycle(context.Background())

	require.Nil(t, c.LastFailure())
	assert.Len(t, c.Snapshots(), 1)

	newToken, refresh, list := api.counts()
	assert.Equal(t, 0, newToken)
	assert.Equal(t, 1, refresh)
	assert.Equal(t, 2, list)

	// Refresh keeps the refresh token, only the access side changes
	set := store.Read()
	assert.Equal(t, "acc-2", set.AccessToken)
	assert.Equal(t, "ref-1", set.RefreshToken)
	assert.Equal(t, testStart.Add(86400*time.Second), set.AccessExpiresAt)

	require.Len(t, persisted, 1)
	assert.Equal(t, set, persisted[0])
}

func TestRepairByMintWhenRefreshExpired(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-2")
	api.newTokenFn = func(secretID, secretKey string) (*provider.TokenPair, error) {
		assert.Equal(t, "sid", secretID)
		assert.Equal(t, "skey", secretKey)
		return &provider.TokenPair{
			Access:         "acc-2",
			AccessExpires:  86400,
			Refresh:        "ref-2",
			RefreshExpires: 2592000,
		}, nil
	}

	expired := models.CredentialSet{
		AccessToken:      "acc-expired",
		AccessExpiresAt:  testStart.Add(-time.Hour),
		RefreshToken:     "ref-expired",
		RefreshExpiresAt: testStart.Add(-time.Hour),
	}
	store := credentials.NewStore(expired, nil)

	c := newTestCoordinator(api, store, clock, nil)
	c.RunCycle(context.Background())

	require.Nil(t, c.LastFailure())

	newToken, refresh, _ := api.counts()
	assert.Equal(t, 1, newToken)
	assert.Equal(t, 0, refresh)

	set := store.Read()
	assert.Equal(t, "acc-2", set.AccessToken)
	assert.Equal(t, "ref-2", set.RefreshToken)
	assert.Equal(t, testStart.Add(2592000*time.Second), set.RefreshExpiresAt)
}

func TestRejectedRefreshFallsThroughToMint(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-2")
	api.refreshFn = func(refreshToken string) (*provider.TokenRefresh, error) {
		return nil, &provider.APIError{Kind: provider.KindUnauthorized, StatusCode: 401, Detail: "Refresh token is invalid"}
	}
	api.newTokenFn = func(secretID, secretKey string) (*provider.TokenPair, error) {
		return &provider.TokenPair{Access: "acc-2", AccessExpires: 86400, Refresh: "ref-2", RefreshExpires: 2592000}, nil
	}

	store := credentials.NewStore(validCredentials(testStart, "acc-expired"), nil)

	c := newTestCoordinator(api, store, clock, nil)
	c.RunCycle(context.Background())

	require.Nil(t, c.LastFailure())

	newToken, refresh, _ := api.counts()
	assert.Equal(t, 1, refresh)
	assert.Equal(t, 1, newToken)
	assert.Equal(t, "ref-2", store.Read().RefreshToken)
}

func TestRepairExhaustedAfterSingleRetry(t *testing.T) {
	clock := &fakeClock{now: testStart}

	// Provider rejects every access token, even freshly refreshed ones
	api := happyAPI("never-valid")
	api.refreshFn = func(refreshToken string) (*provider.TokenRefresh, error) {
		return &provider.TokenRefresh{Access: "acc-2", AccessExpires: 86400}, nil
	}

	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)
	pub := &fakePublisher{}

	c := newTestCoordinator(api, store, clock, pub)
	c.RunCycle(context.Background())

	failure := c.LastFailure()
	require.NotNil(t, failure)
	assert.Equal(t, models.ReasonRepairExhausted, failure.Reason)

	// Exactly one repair and one retry, never a loop
	newToken, refresh, list := api.counts()
	assert.Equal(t, 0, newToken)
	assert.Equal(t, 1, refresh)
	assert.Equal(t, 2, list)

	alert := pub.lastAlert()
	require.NotNil(t, alert)
	assert.Equal(t, models.ReasonRepairExhausted, alert.Reason)
	assert.Equal(t, "conn-1", alert.ConnectionID)
}

func TestRepairExhaustedWhenMintRejected(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("never-valid")
	api.newTokenFn = func(secretID, secretKey string) (*provider.TokenPair, error) {
		return nil, &provider.APIError{Kind: provider.KindUnauthorized, StatusCode: 401, Detail: "Invalid secrets"}
	}

	expired := models.CredentialSet{AccessToken: "acc-expired"}
	store := credentials.NewStore(expired, nil)
	pub := &fakePublisher{}

	c := newTestCoordinator(api, store, clock, pub)
	c.RunCycle(context.Background())

	failure := c.LastFailure()
	require.NotNil(t, failure)
	assert.Equal(t, models.ReasonRepairExhausted, failure.Reason)

	// No retry when repair itself fails
	_, _, list := api.counts()
	assert.Equal(t, 1, list)
	require.NotNil(t, pub.lastAlert())
}

func TestRateLimitDuringRepairDominates(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("never-valid")
	api.refreshFn = func(refreshToken string) (*provider.TokenRefresh, error) {
		return nil, &provider.APIError{
			Kind:       provider.KindRateLimited,
			StatusCode: 429,
			RetryAfter: 10 * time.Minute,
		}
	}

	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)

	c := newTestCoordinator(api, store, clock, nil)
	c.RunCycle(context.Background())

	failure := c.LastFailure()
	require.NotNil(t, failure)
	assert.Equal(t, models.ReasonRateLimited, failure.Reason)
	assert.Equal(t, testStart.Add(10*time.Minute), c.NextRunAt())
}

func TestRequisitionExpiredPublishesAlert(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-1")
	api.listFn = func(requisitionID, token string) ([]string, error) {
		return nil, &provider.APIError{
			Kind:       provider.KindRequisitionExpired,
			StatusCode: 428,
			Detail:     "EUA has expired",
		}
	}

	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)
	pub := &fakePublisher{}

	c := newTestCoordinator(api, store, clock, pub)
	c.RunCycle(context.Background())

	failure := c.LastFailure()
	require.NotNil(t, failure)
	assert.Equal(t, models.ReasonRequisitionExpired, failure.Reason)
	assert.Equal(t, testStart.Add(testInterval), c.NextRunAt())

	alert := pub.lastAlert()
	require.NotNil(t, alert)
	assert.Equal(t, models.ReasonRequisitionExpired, alert.Reason)
}

func TestEmptyAccountListIsFailure(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-1")
	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)

	c := newTestCoordinator(api, store, clock, nil)
	c.RunCycle(context.Background())
	require.Len(t, c.Snapshots(), 1)

	api.listFn = func(requisitionID, token string) ([]string, error) {
		return []string{}, nil
	}

	clock.now = clock.now.Add(testInterval)
	c.RunCycle(context.Background())

	failure := c.LastFailure()
	require.NotNil(t, failure)
	assert.Equal(t, models.ReasonProviderError, failure.Reason)

	// Existing snapshots are not wiped by an empty provider response
	assert.Len(t, c.Snapshots(), 1)
}

func TestSuccessClearsLastFailure(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-1")
	goodList := api.listFn
	api.listFn = func(requisitionID, token string) ([]string, error) {
		return nil, &provider.APIError{Kind: provider.KindTransient, Detail: "timeout"}
	}

	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)
	c := newTestCoordinator(api, store, clock, nil)

	c.RunCycle(context.Background())
	require.NotNil(t, c.LastFailure())

	api.listFn = goodList
	clock.now = clock.now.Add(testInterval)
	c.RunCycle(context.Background())

	assert.Nil(t, c.LastFailure())
	assert.Equal(t, clock.now, c.LastUpdated())
}

func TestStatusReflectsSchedule(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-1")
	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)

	c := newTestCoordinator(api, store, clock, nil)
	c.RunCycle(context.Background())

	status := c.Status()
	assert.Equal(t, "conn-1", status.ConnectionID)
	assert.Equal(t, models.SyncStateIdle, status.State)
	assert.Equal(t, testStart.Add(testInterval), status.NextRunAt)
	assert.Equal(t, testStart, status.LastUpdated)
	assert.Nil(t, status.LastFailure)
}

func TestForceRefreshRunsImmediately(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-1")
	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)

	c := newTestCoordinator(api, store, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	c.ForceRefresh()

	require.Eventually(t, func() bool {
		return len(c.Snapshots()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A forced cycle still reschedules at the base interval
	assert.Equal(t, testStart.Add(testInterval), c.NextRunAt())
}

func TestPerConnectionIntervalOverride(t *testing.T) {
	clock := &fakeClock{now: testStart}
	api := happyAPI("acc-1")
	store := credentials.NewStore(validCredentials(testStart, "acc-1"), nil)

	conn := &models.Connection{
		ID:            "conn-2",
		RequisitionID: "req-2",
		BaseInterval:  time.Hour,
	}

	c := New(conn, api, store, clock, nil, testInterval, discardLogger())
	c.RunCycle(context.Background())

	assert.Equal(t, testStart.Add(time.Hour), c.NextRunAt())
}
