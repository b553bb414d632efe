package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pocketSettle/internal/model"
)

// MemoryStore keeps pockets and claims in process memory. A single mutex makes
// every write atomic.
type MemoryStore struct {
	mu      sync.Mutex
	pockets map[string]model.Pocket
	claims  map[string]model.ClaimRecord
	order   []string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pockets: make(map[string]model.Pocket),
		claims:  make(map[string]model.ClaimRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) CreatePocket(_ context.Context, pocket model.Pocket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pockets[pocket.ID]; ok {
		return fmt.Errorf("%w: %s", ErrPocketExists, pocket.ID)
	}
	now := s.now()
	if pocket.CreatedAt.IsZero() {
		pocket.CreatedAt = now
	}
	pocket.UpdatedAt = now
	if pocket.Version == 0 {
		pocket.Version = 1
	}
	s.pockets[pocket.ID] = pocket
	return nil
}

func (s *MemoryStore) GetPocket(_ context.Context, id string) (model.Pocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pockets[id]
	if !ok {
		return model.Pocket{}, fmt.Errorf("pocket %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) TransitionPocket(_ context.Context, id string, version int64, status model.PocketStatus) (model.Pocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pockets[id]
	if !ok {
		return model.Pocket{}, fmt.Errorf("pocket %s: %w", id, ErrNotFound)
	}
	if p.Version != version {
		return p, ErrVersionConflict
	}
	p.Status = status
	p.Version++
	p.UpdatedAt = s.now()
	s.pockets[id] = p
	return p, nil
}

func (s *MemoryStore) FindBlockingClaim(_ context.Context, pocketID, accountID string, identity model.Identity) (*model.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.blockingLocked(pocketID, accountID, identity); rec != nil {
		out := *rec
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) blockingLocked(pocketID, accountID string, identity model.Identity) *model.ClaimRecord {
	key := identity.Key()
	for _, id := range s.order {
		rec := s.claims[id]
		if rec.PocketID != pocketID || !rec.BlocksRetry() {
			continue
		}
		if (accountID != "" && rec.AccountID == accountID) || rec.Identity.Key() == key {
			return &rec
		}
	}
	return nil
}

func (s *MemoryStore) CommitAllocation(_ context.Context, pocket model.Pocket, claim model.ClaimRecord) (model.Pocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.pockets[pocket.ID]
	if !ok {
		return model.Pocket{}, fmt.Errorf("pocket %s: %w", pocket.ID, ErrNotFound)
	}
	if cur.Version != pocket.Version || cur.Status != model.PocketActive {
		return cur, ErrVersionConflict
	}
	if s.blockingLocked(cur.ID, claim.AccountID, claim.Identity) != nil {
		return cur, ErrDuplicateClaim
	}
	if _, ok := s.claims[claim.ID]; ok {
		return cur, fmt.Errorf("%w: record %s exists", ErrDuplicateClaim, claim.ID)
	}

	now := s.now()
	cur.RemainingAmount = cur.RemainingAmount.Sub(claim.Amount)
	cur.ClaimedCount++
	cur.Status = NextStatus(cur)
	cur.Version++
	cur.UpdatedAt = now
	s.pockets[cur.ID] = cur

	claim.Identity = claim.Identity.Normalized()
	claim.CreatedAt = now
	claim.UpdatedAt = now
	s.claims[claim.ID] = claim
	s.order = append(s.order, claim.ID)
	return cur, nil
}

func (s *MemoryStore) UpdateClaim(_ context.Context, claim model.ClaimRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.claims[claim.ID]
	if !ok {
		return fmt.Errorf("claim %s: %w", claim.ID, ErrNotFound)
	}
	if cur.Status == model.ClaimSuccess {
		return ErrClaimImmutable
	}
	cur.Status = claim.Status
	cur.LedgerID = claim.LedgerID
	cur.TxRef = claim.TxRef
	cur.Reserved = claim.Reserved
	cur.Review = claim.Review
	cur.FailureReason = claim.FailureReason
	cur.SettledAt = claim.SettledAt
	cur.UpdatedAt = s.now()
	s.claims[claim.ID] = cur
	return nil
}

func (s *MemoryStore) ReleaseAllocation(_ context.Context, claim model.ClaimRecord) (model.Pocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.claims[claim.ID]
	if !ok {
		return model.Pocket{}, fmt.Errorf("claim %s: %w", claim.ID, ErrNotFound)
	}
	if rec.Status == model.ClaimSuccess {
		return model.Pocket{}, ErrClaimImmutable
	}
	p, ok := s.pockets[rec.PocketID]
	if !ok {
		return model.Pocket{}, fmt.Errorf("pocket %s: %w", rec.PocketID, ErrNotFound)
	}
	if !rec.Reserved {
		return p, nil
	}

	now := s.now()
	p.RemainingAmount = p.RemainingAmount.Add(rec.Amount)
	p.ClaimedCount--
	p.Status = NextStatus(p)
	p.Version++
	p.UpdatedAt = now
	s.pockets[p.ID] = p

	rec.Reserved = false
	rec.Status = model.ClaimFailed
	if claim.FailureReason != "" {
		rec.FailureReason = claim.FailureReason
	}
	if claim.LedgerID != "" {
		rec.LedgerID = claim.LedgerID
	}
	rec.UpdatedAt = now
	s.claims[rec.ID] = rec
	return p, nil
}

func (s *MemoryStore) GetClaim(_ context.Context, id string) (model.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.claims[id]
	if !ok {
		return model.ClaimRecord{}, fmt.Errorf("claim %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) ListClaims(_ context.Context, pocketID string) ([]model.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ClaimRecord
	for _, id := range s.order {
		if rec := s.claims[id]; rec.PocketID == pocketID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) ExpirePockets(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, p := range s.pockets {
		if p.Status != model.PocketActive || !p.IsExpired(now) {
			continue
		}
		p.Status = model.PocketExpired
		p.Version++
		p.UpdatedAt = s.now()
		s.pockets[id] = p
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListStaleClaims(_ context.Context, cutoff time.Time) ([]model.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ClaimRecord
	for _, id := range s.order {
		rec := s.claims[id]
		if rec.Status == model.ClaimProcessing && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}
