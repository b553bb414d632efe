package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pocketSettle/internal/model"
	"pocketSettle/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const pocketColumns = `id, asset, precision, total_amount, remaining_amount, total_slots, claimed_count,
	randomized, min_amount, max_amount, expires_at, status, version, created_at, updated_at`

const claimColumns = `id, pocket_id, platform, platform_user_id, account_id, payout_address, amount, asset,
	status, ledger_id, tx_ref, review, reserved, failure_reason, created_at, updated_at, settled_at`

// Store provides Postgres persistence for pockets and claim records.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) CreatePocket(ctx context.Context, p model.Pocket) error {
	if p.Version == 0 {
		p.Version = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pockets (
			id, asset, precision, total_amount, remaining_amount, total_slots, claimed_count,
			randomized, min_amount, max_amount, expires_at, status, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now(),now())
	`,
		p.ID,
		p.Asset,
		p.AssetPrecision(),
		p.TotalAmount,
		p.RemainingAmount,
		p.TotalSlots,
		p.ClaimedCount,
		p.Randomized,
		p.MinAmount,
		p.MaxAmount,
		nullTime(p.ExpiresAt),
		string(p.Status),
		p.Version,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", storage.ErrPocketExists, p.ID)
	}
	return err
}

func (s *Store) GetPocket(ctx context.Context, id string) (model.Pocket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pocketColumns+` FROM pockets WHERE id=$1`, id)
	p, err := scanPocket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pocket{}, fmt.Errorf("pocket %s: %w", id, storage.ErrNotFound)
	}
	return p, err
}

func (s *Store) TransitionPocket(ctx context.Context, id string, version int64, status model.PocketStatus) (model.Pocket, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE pockets SET status=$3, version=version+1, updated_at=now()
		WHERE id=$1 AND version=$2
		RETURNING `+pocketColumns,
		id, version, string(status),
	)
	p, err := scanPocket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.conflictOrMissing(ctx, id)
	}
	return p, err
}

func (s *Store) FindBlockingClaim(ctx context.Context, pocketID, accountID string, identity model.Identity) (*model.ClaimRecord, error) {
	id := identity.Normalized()
	row := s.pool.QueryRow(ctx, `
		SELECT `+claimColumns+` FROM claim_records
		WHERE pocket_id=$1
		  AND (account_id=$2 OR (platform=$3 AND platform_user_id=$4))
		  AND (status IN ('processing', 'success') OR reserved)
		ORDER BY created_at
		LIMIT 1
	`, pocketID, accountID, id.Platform, id.PlatformUserID)
	rec, err := scanClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CommitAllocation(ctx context.Context, pocket model.Pocket, claim model.ClaimRecord) (model.Pocket, error) {
	var out model.Pocket
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE pockets SET
				remaining_amount = remaining_amount - $3,
				claimed_count = claimed_count + 1,
				status = CASE
					WHEN claimed_count + 1 >= total_slots OR remaining_amount - $3 <= 0 THEN 'depleted'
					ELSE status
				END,
				version = version + 1,
				updated_at = now()
			WHERE id=$1 AND version=$2 AND status='active'
			RETURNING `+pocketColumns,
			pocket.ID, pocket.Version, claim.Amount,
		)
		p, err := scanPocket(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("debit pocket: %w", err)
		}
		if err := insertClaim(ctx, tx, claim); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			if _, cerr := s.conflictOrMissing(ctx, pocket.ID); errors.Is(cerr, storage.ErrNotFound) {
				return model.Pocket{}, cerr
			}
		}
		return model.Pocket{}, err
	}
	return out, nil
}

func insertClaim(ctx context.Context, tx pgx.Tx, c model.ClaimRecord) error {
	id := c.Identity.Normalized()
	_, err := tx.Exec(ctx, `
		INSERT INTO claim_records (
			id, pocket_id, platform, platform_user_id, account_id, payout_address, amount, asset,
			status, ledger_id, tx_ref, review, reserved, failure_reason, created_at, updated_at, settled_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now(),$15)
	`,
		c.ID,
		c.PocketID,
		id.Platform,
		id.PlatformUserID,
		c.AccountID,
		c.PayoutAddress,
		c.Amount,
		c.Asset,
		string(c.Status),
		c.LedgerID,
		c.TxRef,
		c.Review,
		c.Reserved,
		c.FailureReason,
		c.SettledAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateClaim, constraintName(err))
	}
	if err != nil {
		return fmt.Errorf("insert claim record: %w", err)
	}
	return nil
}

func (s *Store) UpdateClaim(ctx context.Context, c model.ClaimRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE claim_records SET
			status=$2, ledger_id=$3, tx_ref=$4, review=$5, reserved=$6,
			failure_reason=$7, settled_at=$8, updated_at=now()
		WHERE id=$1 AND status <> 'success'
	`,
		c.ID,
		string(c.Status),
		c.LedgerID,
		c.TxRef,
		c.Review,
		c.Reserved,
		c.FailureReason,
		c.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("update claim record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetClaim(ctx, c.ID); err != nil {
			return err
		}
		return storage.ErrClaimImmutable
	}
	return nil
}

func (s *Store) ReleaseAllocation(ctx context.Context, c model.ClaimRecord) (model.Pocket, error) {
	var out model.Pocket
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+claimColumns+` FROM claim_records WHERE id=$1 FOR UPDATE`, c.ID)
		rec, err := scanClaim(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("claim %s: %w", c.ID, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if rec.Status == model.ClaimSuccess {
			return storage.ErrClaimImmutable
		}
		if !rec.Reserved {
			out, err = scanPocket(tx.QueryRow(ctx, `SELECT `+pocketColumns+` FROM pockets WHERE id=$1`, rec.PocketID))
			return err
		}

		row = tx.QueryRow(ctx, `
			UPDATE pockets SET
				remaining_amount = remaining_amount + $2,
				claimed_count = claimed_count - 1,
				status = CASE WHEN status = 'depleted' THEN 'active' ELSE status END,
				version = version + 1,
				updated_at = now()
			WHERE id=$1
			RETURNING `+pocketColumns,
			rec.PocketID, rec.Amount,
		)
		if out, err = scanPocket(row); err != nil {
			return fmt.Errorf("credit pocket: %w", err)
		}

		reason := rec.FailureReason
		if c.FailureReason != "" {
			reason = c.FailureReason
		}
		ledgerID := rec.LedgerID
		if c.LedgerID != "" {
			ledgerID = c.LedgerID
		}
		_, err = tx.Exec(ctx, `
			UPDATE claim_records SET status='failed', reserved=FALSE, failure_reason=$2, ledger_id=$3, updated_at=now()
			WHERE id=$1
		`, rec.ID, reason, ledgerID)
		return err
	})
	if err != nil {
		return model.Pocket{}, err
	}
	return out, nil
}

func (s *Store) GetClaim(ctx context.Context, id string) (model.ClaimRecord, error) {
	rec, err := scanClaim(s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claim_records WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ClaimRecord{}, fmt.Errorf("claim %s: %w", id, storage.ErrNotFound)
	}
	return rec, err
}

func (s *Store) ListClaims(ctx context.Context, pocketID string) ([]model.ClaimRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+claimColumns+` FROM claim_records WHERE pocket_id=$1 ORDER BY created_at`, pocketID)
	if err != nil {
		return nil, err
	}
	return collectClaims(rows)
}

func (s *Store) ExpirePockets(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE pockets SET status='expired', version=version+1, updated_at=now()
		WHERE status='active' AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]model.ClaimRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+claimColumns+` FROM claim_records
		WHERE status='processing' AND updated_at < $1
		ORDER BY updated_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectClaims(rows)
}

func (s *Store) conflictOrMissing(ctx context.Context, id string) (model.Pocket, error) {
	p, err := s.GetPocket(ctx, id)
	if err != nil {
		return model.Pocket{}, err
	}
	return p, storage.ErrVersionConflict
}

func scanPocket(row pgx.Row) (model.Pocket, error) {
	var (
		p       model.Pocket
		status  string
		expires *time.Time
	)
	err := row.Scan(
		&p.ID,
		&p.Asset,
		&p.Precision,
		&p.TotalAmount,
		&p.RemainingAmount,
		&p.TotalSlots,
		&p.ClaimedCount,
		&p.Randomized,
		&p.MinAmount,
		&p.MaxAmount,
		&expires,
		&status,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return model.Pocket{}, err
	}
	p.Status = model.PocketStatus(status)
	if expires != nil {
		p.ExpiresAt = *expires
	}
	return p, nil
}

func scanClaim(row pgx.Row) (model.ClaimRecord, error) {
	var (
		c      model.ClaimRecord
		status string
	)
	err := row.Scan(
		&c.ID,
		&c.PocketID,
		&c.Identity.Platform,
		&c.Identity.PlatformUserID,
		&c.AccountID,
		&c.PayoutAddress,
		&c.Amount,
		&c.Asset,
		&status,
		&c.LedgerID,
		&c.TxRef,
		&c.Review,
		&c.Reserved,
		&c.FailureReason,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.SettledAt,
	)
	if err != nil {
		return model.ClaimRecord{}, err
	}
	c.Status = model.ClaimStatus(status)
	return c, nil
}

func collectClaims(rows pgx.Rows) ([]model.ClaimRecord, error) {
	defer rows.Close()
	var out []model.ClaimRecord
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
