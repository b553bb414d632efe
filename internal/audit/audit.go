// Package audit records claim outcomes that need human follow-up: risk
// reviews and blocks, dispatch failures, stale claims and invariant breaches.
package audit

import (
	"context"
	"errors"
	"time"

	"pocketSettle/internal/model"
)

// Kind classifies an audit event.
type Kind string

const (
	KindReview    Kind = "review"
	KindBlock     Kind = "block"
	KindFailure   Kind = "dispatch_failure"
	KindStale     Kind = "stale_claim"
	KindInvariant Kind = "invariant_violation"
	KindExpired   Kind = "pocket_expired"
)

// Event is one audit entry.
type Event struct {
	Kind      Kind               `json:"kind"`
	PocketID  string             `json:"pocket_id"`
	ClaimID   string             `json:"claim_id,omitempty"`
	Identity  string             `json:"identity,omitempty"`
	AccountID string             `json:"account_id,omitempty"`
	Amount    string             `json:"amount,omitempty"`
	LedgerID  string             `json:"ledger_id,omitempty"`
	Score     int                `json:"score,omitempty"`
	Action    model.RiskAction   `json:"action,omitempty"`
	Signals   []model.RiskSignal `json:"signals,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	At        time.Time          `json:"at"`
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Multi fans an event out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
