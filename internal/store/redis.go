package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/model"
)

// CachedStore wraps another Store with a Redis read-through cache for the
// hot read paths served to the control API: the audit tail and the latest
// equity snapshot. Equity snapshots are additionally published on a Redis
// channel so external dashboards can subscribe without polling.
//
// Position state and compliance counts are deliberately never cached. The
// inner store is the sole arbiter of lifecycle transitions and risk
// limits; a stale cache there could double-open or double-book.
type CachedStore struct {
	Store

	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore wraps inner with a Redis cache. A ttl of zero defaults
// to 5 seconds.
func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedStore{Store: inner, rdb: rdb, ttl: ttl}
}

func auditKey(instanceID string, limit int) string {
	return fmt.Sprintf("engine:audit:%s:%d", instanceID, limit)
}

func equityKey(instanceID string) string {
	return fmt.Sprintf("engine:equity:%s", instanceID)
}

func equityChannel(instanceID string) string {
	return fmt.Sprintf("engine:equity-stream:%s", instanceID)
}

func (s *CachedStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	if err := s.Store.AppendAudit(ctx, e); err != nil {
		return err
	}
	// Drop cached tails so the next read sees the new entry. Cache errors
	// never fail the write; the inner store already has the row.
	pattern := fmt.Sprintf("engine:audit:%s:*", e.InstanceID)
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
	return nil
}

func (s *CachedStore) AuditEntries(ctx context.Context, instanceID string, limit int) ([]model.AuditEntry, error) {
	key := auditKey(instanceID, limit)
	if raw, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var entries []model.AuditEntry
		if json.Unmarshal(raw, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.Store.AuditEntries(ctx, instanceID, limit)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, key, raw, s.ttl)
	}
	return entries, nil
}

// equityPayload is the wire form for cached and published snapshots.
type equityPayload struct {
	InstanceID    string    `json:"instance_id"`
	Balance       string    `json:"balance"`
	UnrealizedPnL string    `json:"unrealized_pnl"`
	OpenPositions int       `json:"open_positions"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *CachedStore) SaveEquitySnapshot(ctx context.Context, snap *model.EquitySnapshot) error {
	if err := s.Store.SaveEquitySnapshot(ctx, snap); err != nil {
		return err
	}

	payload := equityPayload{
		InstanceID:    snap.InstanceID,
		Balance:       snap.Balance.String(),
		UnrealizedPnL: snap.UnrealizedPnL.String(),
		OpenPositions: snap.OpenPositions,
		Timestamp:     snap.Timestamp,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	s.rdb.Set(ctx, equityKey(snap.InstanceID), raw, s.ttl)
	s.rdb.Publish(ctx, equityChannel(snap.InstanceID), raw)
	return nil
}

func (s *CachedStore) LatestEquitySnapshot(ctx context.Context, instanceID string) (*model.EquitySnapshot, error) {
	if raw, err := s.rdb.Get(ctx, equityKey(instanceID)).Bytes(); err == nil {
		var payload equityPayload
		if json.Unmarshal(raw, &payload) == nil {
			snap := &model.EquitySnapshot{
				InstanceID:    payload.InstanceID,
				OpenPositions: payload.OpenPositions,
				Timestamp:     payload.Timestamp,
			}
			snap.Balance, _ = decimal.NewFromString(payload.Balance)
			snap.UnrealizedPnL, _ = decimal.NewFromString(payload.UnrealizedPnL)
			return snap, nil
		}
	}
	return s.Store.LatestEquitySnapshot(ctx, instanceID)
}
