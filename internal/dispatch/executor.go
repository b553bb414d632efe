// Package dispatch submits a transfer to an ordered list of ledgers, retrying
// each with backoff and failing over when one is exhausted.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pocketSettle/internal/telemetry"
)

// ErrExhausted is returned when every candidate ledger was skipped or failed.
var ErrExhausted = errors.New("all candidate ledgers exhausted")

// HealthCache is the subset of the health monitor the executor consults.
type HealthCache interface {
	IsHealthy(ledgerID string) bool
	MarkUnhealthy(ledgerID, reason string)
}

// Operation performs the transfer on one ledger and returns its reference.
type Operation func(ctx context.Context, ledgerID string) (string, error)

// Result describes a successful dispatch.
type Result struct {
	TxRef    string
	LedgerID string
	Attempts int
}

type Executor struct {
	health  HealthCache
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func NewExecutor(health HealthCache, logger *zap.Logger, metrics *telemetry.Metrics) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{health: health, logger: logger, metrics: metrics}
}

// Dispatch tries candidates in order. Ledgers already cached as unhealthy are
// skipped without consuming attempts. A ledger that fails every attempt is
// marked unhealthy before moving on. Attempts in the result counts calls across
// all ledgers.
func (e *Executor) Dispatch(ctx context.Context, op Operation, candidates []string, policy RetryPolicy) (Result, error) {
	total := 0
	var lastErr error

	for _, ledgerID := range candidates {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: total}, fmt.Errorf("%w: %w", ErrExhausted, err)
		}
		if e.health != nil && !e.health.IsHealthy(ledgerID) {
			e.logger.Debug("skipping unhealthy ledger", zap.String("ledger", ledgerID))
			continue
		}

		var txRef string
		attempts, err := withRetry(ctx, policy, func(attemptCtx context.Context) error {
			ref, err := op(attemptCtx, ledgerID)
			e.metrics.RecordDispatchAttempt(ctx, ledgerID, err == nil)
			if err != nil {
				e.logger.Warn("transfer attempt failed", zap.String("ledger", ledgerID), zap.Error(err))
				return err
			}
			txRef = ref
			return nil
		})
		total += attempts
		if err == nil {
			return Result{TxRef: txRef, LedgerID: ledgerID, Attempts: total}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if e.health != nil {
			e.health.MarkUnhealthy(ledgerID, fmt.Sprintf("dispatch failed after %d attempts: %v", attempts, err))
		}
		e.metrics.RecordFailover(ctx, ledgerID)
		e.logger.Warn("failing over", zap.String("ledger", ledgerID), zap.Int("attempts", attempts), zap.Error(err))
	}

	if lastErr != nil {
		return Result{Attempts: total}, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
	}
	return Result{Attempts: total}, ErrExhausted
}
