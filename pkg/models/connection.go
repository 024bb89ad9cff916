package models

import (
	"time"
)

// Connection represents one linked bank connection: a completed
// requisition plus the secrets and credentials needed to poll it.
type Connection struct {
	ID             string        `json:"id"`
	RequisitionID  string        `json:"requisition_id"`
	SecretID       string        `json:"-"`
	SecretKey      string        `json:"-"`
	Credentials    CredentialSet `json:"-"`
	BaseInterval   time.Duration `json:"base_interval"`
	LastUpdateTime time.Time     `json:"last_update_time"`
}

// SyncState is the coordinator's position in its cycle.
type SyncState string

const (
	SyncStateIdle     SyncState = "idle"
	SyncStateFetching SyncState = "fetching"
)

// FailureReason classifies why the last fetch cycle did not succeed.
type FailureReason string

const (
	ReasonRateLimited        FailureReason = "rate_limited"
	ReasonUnauthorized       FailureReason = "unauthorized"
	ReasonRepairExhausted    FailureReason = "repair_exhausted"
	ReasonRequisitionExpired FailureReason = "requisition_expired"
	ReasonTransientNetwork   FailureReason = "transient_network"
	ReasonProviderError      FailureReason = "provider_error"
)

// SyncFailure describes the most recent failed cycle for host-level
// alerting. It never survives a successful cycle.
type SyncFailure struct {
	Reason     FailureReason `json:"reason"`
	StatusCode int           `json:"status_code,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	At         time.Time     `json:"at"`
}

// SyncStatus is the host-readable view of a connection's schedule state.
type SyncStatus struct {
	ConnectionID string       `json:"connection_id"`
	State        SyncState    `json:"state"`
	NextRunAt    time.Time    `json:"next_run_at"`
	LastUpdated  time.Time    `json:"last_updated,omitempty"`
	LastFailure  *SyncFailure `json:"last_failure,omitempty"`
}

// SyncAlert is published on conditions that need host attention, such as
// an expired requisition or exhausted credential repair.
type SyncAlert struct {
	ConnectionID string        `json:"connection_id"`
	Reason       FailureReason `json:"reason"`
	Detail       string        `json:"detail,omitempty"`
	At           time.Time     `json:"at"`
}
