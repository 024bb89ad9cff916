package models

import (
	"time"
)

// BalanceSnapshot is one balance record for one linked account as of a
// single fetch cycle. The snapshot set for a connection is replaced
// wholesale on every successful poll, never merged.
type BalanceSnapshot struct {
	AccountID     string    `json:"account_id"`
	AccountName   string    `json:"account_name"`
	BalanceType   string    `json:"balance_type"`
	AccountStatus string    `json:"account_status"`
	InstitutionID string    `json:"institution_id"`
	Amount        string    `json:"amount"` // exact decimal string as sent by the provider
	Currency      string    `json:"currency"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// BalanceUpdate is the message published on each successful fetch cycle.
type BalanceUpdate struct {
	ConnectionID string             `json:"connection_id"`
	Snapshots    []*BalanceSnapshot `json:"snapshots"`
	LastUpdated  time.Time          `json:"last_updated"`
}

// BalancePoint is one historical balance value from the time-series store.
type BalancePoint struct {
	AccountID   string    `json:"account_id"`
	BalanceType string    `json:"balance_type"`
	Amount      float64   `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}
