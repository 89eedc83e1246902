package sizing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestFixedRisk_Basic(t *testing.T) {
	s := New(d(0.01), d(0.85), 10)

	// 25000 * 1% = 250 budget; 10 point stop * $5/pt = $50 per contract -> 5.
	got, err := s.FixedRisk(d(25000), d(10), d(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 5 {
		t.Errorf("expected 5 contracts, got %d", got)
	}
}

func TestFixedRisk_FloorsToOne(t *testing.T) {
	s := New(d(0.01), d(0.85), 10)
	// Tiny balance still yields one contract.
	got, err := s.FixedRisk(d(100), d(10), d(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Errorf("expected floor of 1, got %d", got)
	}
}

func TestFixedRisk_ClampsToMax(t *testing.T) {
	s := New(d(0.10), d(0.85), 3)
	got, err := s.FixedRisk(d(1000000), d(5), d(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 3 {
		t.Errorf("expected clamp to 3, got %d", got)
	}
}

func TestFixedRisk_InvalidInputs(t *testing.T) {
	s := New(d(0.01), d(0.85), 10)
	if _, err := s.FixedRisk(d(25000), d(0), d(5)); !errors.Is(err, ErrInvalidStopDistance) {
		t.Errorf("expected ErrInvalidStopDistance, got %v", err)
	}
	if _, err := s.FixedRisk(d(25000), d(10), d(0)); !errors.Is(err, ErrInvalidUnitValue) {
		t.Errorf("expected ErrInvalidUnitValue, got %v", err)
	}
}

// Spread sizing: balance $5,000, utilization 0.85,
// width $5, credit $1, $100 unit value. Collateral per unit is $400 and
// floor(4250/400) = 10 units.
func TestCreditSpread_Scenario(t *testing.T) {
	s := New(d(0.01), d(0.85), 25)
	got, err := s.CreditSpread(d(5000), d(5), d(1), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 10 {
		t.Errorf("expected 10 units, got %d", got)
	}
}

func TestCreditSpread_ClampedToCap(t *testing.T) {
	s := New(d(0.01), d(0.85), 4)
	got, err := s.CreditSpread(d(5000), d(5), d(1), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 4 {
		t.Errorf("expected clamp to 4, got %d", got)
	}
}

func TestCreditSpread_ZeroIsValidCannotAfford(t *testing.T) {
	s := New(d(0.01), d(0.85), 25)
	got, err := s.CreditSpread(d(300), d(5), d(1), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("expected 0 (cannot afford), got %d", got)
	}
}

func TestCreditSpread_InvalidSpread(t *testing.T) {
	s := New(d(0.01), d(0.85), 25)
	if _, err := s.CreditSpread(d(5000), d(1), d(5), d(100)); !errors.Is(err, ErrInvalidSpread) {
		t.Errorf("expected ErrInvalidSpread, got %v", err)
	}
}

func TestCollateralFor(t *testing.T) {
	got := CollateralFor(3, d(10), d(5))
	if !got.Equal(d(150)) {
		t.Errorf("expected 150, got %s", got)
	}
}
