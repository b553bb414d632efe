package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClaimStatus is the lifecycle state of a ClaimRecord.
type ClaimStatus string

const (
	ClaimPending    ClaimStatus = "pending"
	ClaimProcessing ClaimStatus = "processing"
	ClaimSuccess    ClaimStatus = "success"
	ClaimFailed     ClaimStatus = "failed"
)

// ClaimRecord is one attempt to settle against a Pocket.
type ClaimRecord struct {
	ID            string          `json:"id"`
	PocketID      string          `json:"pocket_id"`
	Identity      Identity        `json:"identity"`
	AccountID     string          `json:"account_id"`
	PayoutAddress string          `json:"payout_address"`
	Amount        decimal.Decimal `json:"amount"`
	Asset         string          `json:"asset"`
	Status        ClaimStatus     `json:"status"`
	LedgerID      string          `json:"ledger_id,omitempty"`
	TxRef         string          `json:"tx_ref,omitempty"`
	Review        bool            `json:"review"`
	Reserved      bool            `json:"reserved"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

// BlocksRetry reports whether the record prevents the same claimant from
// claiming the pocket again: a settled claim, or a failed one whose pool debit
// was never released.
func (r ClaimRecord) BlocksRetry() bool {
	switch r.Status {
	case ClaimSuccess:
		return true
	case ClaimProcessing:
		return true
	case ClaimFailed:
		return r.Reserved
	default:
		return false
	}
}
