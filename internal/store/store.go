// Package store defines the persistence interface for the strategy engine.
// Implementations include PostgreSQL, embedded SQLite for single-binary
// deploys, in-memory for testing, and a Redis read-through cache wrapper.
//
// The store is the sole arbiter of position state: every terminal
// transition is a conditional write so racing closers cannot double-book.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface.
type Store interface {
	// --- Positions ---

	// SavePosition upserts a position by id.
	SavePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves one position by id.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// OpenPositions returns all OPEN positions for an instance.
	OpenPositions(ctx context.Context, instanceID string) ([]model.Position, error)

	// ListPositions returns positions for an instance, optionally
	// filtered by status ("" means all), newest first.
	ListPositions(ctx context.Context, instanceID string, status model.Status, limit int) ([]model.Position, error)

	// ClosePosition performs the atomic OPEN to terminal transition,
	// setting all close fields in one write. Returns false without error
	// when the position is already terminal, so racing closers detect
	// the lost race instead of double-booking P&L.
	ClosePosition(ctx context.Context, id string, price decimal.Decimal, reason model.CloseReason, pnl decimal.Decimal, at time.Time) (bool, error)

	// --- Compliance queries (never cached, never in-memory counters) ---

	// TradeCountOn counts positions opened on the given calendar day.
	TradeCountOn(ctx context.Context, instanceID string, day time.Time) (int, error)

	// RoundTripsSince counts same-day round trips (opened and closed on
	// one calendar day) with open_time at or after since.
	RoundTripsSince(ctx context.Context, instanceID string, since time.Time) (int, error)

	// --- Ledger ---

	SaveAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, instanceID string) (*model.Account, error)

	// --- Audit log (append-only) ---

	AppendAudit(ctx context.Context, e *model.AuditEntry) error
	AuditEntries(ctx context.Context, instanceID string, limit int) ([]model.AuditEntry, error)

	// --- Heartbeats ---

	SaveEquitySnapshot(ctx context.Context, s *model.EquitySnapshot) error
	LatestEquitySnapshot(ctx context.Context, instanceID string) (*model.EquitySnapshot, error)
}
