// Package broker defines the execution gateway contract. Order routing and
// fill mechanics live behind this interface; the engine only ever sees
// confirmed fills. No fill is ever assumed without confirmation.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/model"
)

var (
	// ErrRejected is returned when the venue declines an order. The caller
	// must leave all state unchanged.
	ErrRejected = errors.New("broker: order rejected")
)

// Fill is a confirmed execution.
type Fill struct {
	OrderID string
	Price   decimal.Decimal
}

// Gateway places and closes positions. Both methods are idempotent for
// retried calls referencing the same position and reason: a retry returns
// the original fill rather than executing twice.
type Gateway interface {
	// Submit attempts entry for a validated, sized signal.
	Submit(ctx context.Context, sig *model.Signal) (*Fill, error)

	// Close exits a position. ref is the price the engine wants to book
	// the exit at (stop price for trailing exits, last mark otherwise).
	Close(ctx context.Context, pos *model.Position, reason model.CloseReason, ref decimal.Decimal) (*Fill, error)
}
