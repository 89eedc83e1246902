package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/model"
)

// Paper is a deterministic in-process gateway for local runs and tests.
// Entries fill at the signal's entry price plus a configurable slippage;
// closes fill at the reference price. Close calls are de-duplicated per
// (position id, reason) so retries return the original fill.
type Paper struct {
	mu       sync.Mutex
	slippage decimal.Decimal
	reject   bool
	closes   map[string]*Fill
}

// NewPaper creates a paper gateway with the given slippage in points.
func NewPaper(slippage decimal.Decimal) *Paper {
	return &Paper{
		slippage: slippage,
		closes:   make(map[string]*Fill),
	}
}

// SetReject makes subsequent orders fail with ErrRejected, for testing the
// execution-error path.
func (p *Paper) SetReject(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject = reject
}

func (p *Paper) Submit(_ context.Context, sig *model.Signal) (*Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return nil, ErrRejected
	}

	// Entries pay slippage against the direction of the trade.
	price := sig.Entry.Add(p.slippage.Mul(sig.Direction.Sign()))
	return &Fill{OrderID: uuid.New().String(), Price: price}, nil
}

func (p *Paper) Close(_ context.Context, pos *model.Position, reason model.CloseReason, ref decimal.Decimal) (*Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return nil, ErrRejected
	}

	key := fmt.Sprintf("%s/%s", pos.ID, reason)
	if fill, ok := p.closes[key]; ok {
		return fill, nil
	}

	fill := &Fill{OrderID: uuid.New().String(), Price: ref}
	p.closes[key] = fill
	return fill, nil
}
