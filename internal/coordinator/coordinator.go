package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/bank-sync/internal/credentials"
	"github.com/bank-sync/internal/provider"
	"github.com/bank-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// API is the subset of the provider client the coordinator drives
type API interface {
	NewToken(ctx context.Context, secretID, secretKey string) (*provider.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*provider.TokenRefresh, error)
	ListAccounts(ctx context.Context, requisitionID, accessToken string) ([]string, error)
	AccountDetails(ctx context.Context, accountID, accessToken string) (*provider.AccountDetail, error)
	Balances(ctx context.Context, accountID, accessToken string) ([]provider.Balance, error)
}

// Publisher receives the outcome of each fetch cycle. Implementations
// fan snapshots out to the cache, messaging and history layers; they
// must not call back into the coordinator.
type Publisher interface {
	PublishSnapshots(ctx context.Context, conn *models.Connection, snaps []*models.BalanceSnapshot, lastUpdated time.Time)
	PublishStatus(ctx context.Context, status *models.SyncStatus)
	PublishAlert(ctx context.Context, alert *models.SyncAlert)
}

// Coordinator owns the polling schedule and the fetch-with-repair
// protocol for one linked bank connection. All mutation happens inside
// the single cycle goroutine; published state is read-only copies.
type Coordinator struct {
	conn         *models.Connection
	api          API
	creds        *credentials.Store
	clock        Clock
	pub          Publisher
	logger       *logrus.Entry
	baseInterval time.Duration

	mu          sync.RWMutex
	state       models.SyncState
	snapshots   []*models.BalanceSnapshot
	lastUpdated time.Time
	lastFailure *models.SyncFailure
	nextRunAt   time.Time

	// Control
	running bool
	force   chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a coordinator for one connection. The first fetch runs
// immediately on Start. pub may be nil.
func New(
	conn *models.Connection,
	api API,
	creds *credentials.Store,
	clock Clock,
	pub Publisher,
	baseInterval time.Duration,
	logger *logrus.Logger,
) *Coordinator {
	if conn.BaseInterval > 0 {
		baseInterval = conn.BaseInterval
	}

	return &Coordinator{
		conn:         conn,
		api:          api,
		creds:        creds,
		clock:        clock,
		pub:          pub,
		logger:       logger.WithField("component", "coordinator").WithField("connection", conn.ID),
		baseInterval: baseInterval,
		state:        models.SyncStateIdle,
		nextRunAt:    clock.Now(),
		force:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start starts the polling loop
func (c *Coordinator) Start(ctx context.Context) error {
	if c.running {
		return nil
	}

	c.running = true
	c.logger.WithField("interval", c.baseInterval).Info("Starting update coordinator")

	c.wg.Add(1)
	go c.loop(ctx)

	return nil
}

// Stop stops the polling loop and waits for any in-flight cycle
func (c *Coordinator) Stop() error {
	if !c.running {
		return nil
	}

	c.logger.Info("Stopping update coordinator")
	close(c.done)
	c.wg.Wait()
	c.running = false

	return nil
}

// ForceRefresh requests an immediate cycle without disturbing the base
// schedule. No-op when a forced cycle is already pending.
func (c *Coordinator) ForceRefresh() {
	select {
	case c.force <- struct{}{}:
	default:
	}
}

// loop arms the next timer only after the current cycle fully completes,
// so cycles for one connection never overlap.
func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		wait := c.NextRunAt().Sub(c.clock.Now())
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.force:
			c.RunCycle(ctx)
		case <-c.clock.After(wait):
			c.RunCycle(ctx)
		}
	}
}

// RunCycle executes one fetch-with-repair cycle and computes the next
// run time. It never returns an error: every failure is absorbed,
// recorded and followed by a reschedule.
func (c *Coordinator) RunCycle(ctx context.Context) {
	c.setState(models.SyncStateFetching)

	snaps, err := c.fetchAll(ctx)

	// One-shot repair: a rejected access token is refreshed or re-issued
	// once, then the fetch is retried exactly once. Never loops.
	repairAttempted := false
	repairFailed := false
	if provider.KindOf(err) == provider.KindUnauthorized {
		if rerr := c.repairCredentials(ctx); rerr != nil {
			err = rerr
			repairFailed = true
		} else {
			repairAttempted = true
			snaps, err = c.fetchAll(ctx)
		}
	}

	now := c.clock.Now()
	if err == nil {
		c.finishSuccess(ctx, snaps, now)
		return
	}

	c.finishFailure(ctx, err, now, repairAttempted, repairFailed)
}

// fetchAll reads the current access token and retrieves the full
// snapshot set: account list, then details and balances per account.
func (c *Coordinator) fetchAll(ctx context.Context) ([]*models.BalanceSnapshot, error) {
	token := c.creds.Read().AccessToken

	accountIDs, err := c.api.ListAccounts(ctx, c.conn.RequisitionID, token)
	if err != nil {
		return nil, err
	}

	if len(accountIDs) == 0 {
		return nil, &provider.APIError{
			Kind:   provider.KindProvider,
			Detail: "no accounts linked to requisition; ensure bank authorization is complete",
		}
	}

	snaps := make([]*models.BalanceSnapshot, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		detail, err := c.api.AccountDetails(ctx, accountID, token)
		if err != nil {
			return nil, err
		}

		balances, err := c.api.Balances(ctx, accountID, token)
		if err != nil {
			return nil, err
		}

		for _, b := range balances {
			snaps = append(snaps, &models.BalanceSnapshot{
				AccountID:     accountID,
				AccountName:   detail.OwnerName,
				BalanceType:   b.BalanceType,
				AccountStatus: detail.Status,
				InstitutionID: detail.InstitutionID,
				Amount:        b.BalanceAmount.Amount,
				Currency:      b.BalanceAmount.Currency,
			})
		}
	}

	return snaps, nil
}

// repairCredentials renews the credential set after an unauthorized
// response: refresh the access token while the refresh token is still
// valid, otherwise mint a brand-new pair. A refresh rejected by the
// provider also falls through to minting.
func (c *Coordinator) repairCredentials(ctx context.Context) error {
	now := c.clock.Now()
	set := c.creds.Read()

	if set.RefreshValid(now) {
		refreshed, err := c.api.RefreshToken(ctx, set.RefreshToken)
		if err == nil {
			c.logger.Info("Access token refreshed")
			set.AccessToken = refreshed.Access
			set.AccessExpiresAt = now.Add(time.Duration(refreshed.AccessExpires) * time.Second)
			return c.creds.Replace(ctx, set)
		}

		if provider.KindOf(err) != provider.KindUnauthorized {
			return err
		}

		c.logger.Warn("Refresh token rejected, minting new token pair")
	}

	pair, err := c.api.NewToken(ctx, c.conn.SecretID, c.conn.SecretKey)
	if err != nil {
		return err
	}

	c.logger.Info("New token pair issued")
	return c.creds.Replace(ctx, models.CredentialSet{
		AccessToken:      pair.Access,
		AccessExpiresAt:  now.Add(time.Duration(pair.AccessExpires) * time.Second),
		RefreshToken:     pair.Refresh,
		RefreshExpiresAt: now.Add(time.Duration(pair.RefreshExpires) * time.Second),
	})
}

// finishSuccess replaces the snapshot set wholesale and reschedules at
// the base interval. last_updated only ever reflects a successful fetch.
func (c *Coordinator) finishSuccess(ctx context.Context, snaps []*models.BalanceSnapshot, now time.Time) {
	for _, s := range snaps {
		s.FetchedAt = now
	}

	c.mu.Lock()
	c.snapshots = snaps
	c.lastUpdated = now
	c.lastFailure = nil
	c.nextRunAt = now.Add(c.baseInterval)
	c.state = models.SyncStateIdle
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"snapshots": len(snaps),
		"next_run":  c.NextRunAt(),
	}).Info("Balance update completed")

	if c.pub != nil {
		c.pub.PublishSnapshots(ctx, c.conn, snaps, now)
		c.pub.PublishStatus(ctx, c.Status())
	}
}

// finishFailure records the failure reason and reschedules. A 429 delay
// is honored exactly and dominates every other scheduling decision;
// everything else waits out the base interval. Snapshots are untouched:
// stale data is preferred over no data.
func (c *Coordinator) finishFailure(ctx context.Context, err error, now time.Time, repairAttempted, repairFailed bool) {
	failure := &models.SyncFailure{
		Reason: models.ReasonProviderError,
		Detail: err.Error(),
		At:     now,
	}

	if apiErr := provider.AsAPIError(err); apiErr != nil {
		failure.StatusCode = apiErr.StatusCode
		failure.Detail = apiErr.Detail
		if apiErr.Err != nil {
			failure.Detail = apiErr.Err.Error()
		}
		failure.Reason = reasonForKind(apiErr.Kind)
		failure.RetryAfter = apiErr.RetryAfter
	}

	// A still-unauthorized retry after repair, or a repair that could not
	// produce credentials at all, is surfaced as exhausted so the host
	// can prompt re-authentication.
	if failure.Reason == models.ReasonUnauthorized && (repairAttempted || repairFailed) {
		failure.Reason = models.ReasonRepairExhausted
	}

	next := now.Add(c.baseInterval)
	if failure.Reason == models.ReasonRateLimited {
		next = now.Add(failure.RetryAfter)
	}

	c.mu.Lock()
	c.lastFailure = failure
	c.nextRunAt = next
	c.state = models.SyncStateIdle
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"reason":   failure.Reason,
		"status":   failure.StatusCode,
		"next_run": next,
	}).Warn("Balance update failed")

	if c.pub != nil {
		c.pub.PublishStatus(ctx, c.Status())

		if failure.Reason == models.ReasonRequisitionExpired || failure.Reason == models.ReasonRepairExhausted {
			c.pub.PublishAlert(ctx, &models.SyncAlert{
				ConnectionID: c.conn.ID,
				Reason:       failure.Reason,
				Detail:       failure.Detail,
				At:           now,
			})
		}
	}
}

// reasonForKind maps a provider error kind to a recorded failure reason
func reasonForKind(kind provider.ErrorKind) models.FailureReason {
	switch kind {
	case provider.KindRateLimited:
		return models.ReasonRateLimited
	case provider.KindUnauthorized:
		return models.ReasonUnauthorized
	case provider.KindRequisitionExpired:
		return models.ReasonRequisitionExpired
	case provider.KindTransient:
		return models.ReasonTransientNetwork
	default:
		return models.ReasonProviderError
	}
}

func (c *Coordinator) setState(state models.SyncState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Connection returns the connection this coordinator polls
func (c *Coordinator) Connection() *models.Connection {
	return c.conn
}

// Snapshots returns the latest snapshot set
func (c *Coordinator) Snapshots() []*models.BalanceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snaps := make([]*models.BalanceSnapshot, len(c.snapshots))
	copy(snaps, c.snapshots)
	return snaps
}

// LastUpdated returns the completion time of the last successful fetch
func (c *Coordinator) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

// NextRunAt returns the time of the next scheduled cycle
func (c *Coordinator) NextRunAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextRunAt
}

// LastFailure returns the most recent failure, or nil after a success
func (c *Coordinator) LastFailure() *models.SyncFailure {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastFailure == nil {
		return nil
	}
	failure := *c.lastFailure
	return &failure
}

// Status returns the host-readable schedule state
func (c *Coordinator) Status() *models.SyncStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := &models.SyncStatus{
		ConnectionID: c.conn.ID,
		State:        c.state,
		NextRunAt:    c.nextRunAt,
		LastUpdated:  c.lastUpdated,
	}
	if c.lastFailure != nil {
		failure := *c.lastFailure
		status.LastFailure = &failure
	}
	return status
}
