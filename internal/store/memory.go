package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
	accounts  map[string]*model.Account
	audit     []model.AuditEntry
	equity    []model.EquitySnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.Position),
		accounts:  make(map[string]*model.Account),
	}
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) OpenPositions(_ context.Context, instanceID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.InstanceID == instanceID && p.Status == model.StatusOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, instanceID string, status model.Status, limit int) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.InstanceID != instanceID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.After(out[j].OpenTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, id string, price decimal.Decimal, reason model.CloseReason, pnl decimal.Decimal, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != model.StatusOpen {
		return false, nil // already terminal, racing closer lost
	}

	p.Status = reason.TerminalStatus()
	p.ClosePrice = price
	p.CloseReason = reason
	p.RealizedPnL = pnl
	p.CloseTime = at
	return true, nil
}

func (s *MemoryStore) TradeCountOn(_ context.Context, instanceID string, day time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, p := range s.positions {
		if p.InstanceID == instanceID && sameDay(p.OpenTime, day) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RoundTripsSince(_ context.Context, instanceID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, p := range s.positions {
		if p.InstanceID != instanceID || !p.Status.Terminal() {
			continue
		}
		if p.OpenTime.Before(since) {
			continue
		}
		if sameDay(p.OpenTime, p.CloseTime) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.accounts[a.InstanceID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, instanceID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *e)
	return nil
}

func (s *MemoryStore) AuditEntries(_ context.Context, instanceID string, limit int) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].InstanceID != instanceID {
			continue
		}
		out = append(out, s.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveEquitySnapshot(_ context.Context, snap *model.EquitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.equity = append(s.equity, *snap)
	return nil
}

func (s *MemoryStore) LatestEquitySnapshot(_ context.Context, instanceID string) (*model.EquitySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.equity) - 1; i >= 0; i-- {
		if s.equity[i].InstanceID == instanceID {
			cp := s.equity[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func sameDay(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	return au.Year() == bu.Year() && au.YearDay() == bu.YearDay()
}
