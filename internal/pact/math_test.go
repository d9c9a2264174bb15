package pact

import (
	"errors"
	"math"
	"testing"
)

func TestSplitFeeIdentity(t *testing.T) {
	cases := []struct {
		amount, bps uint64
	}{
		{1_000_000_000, 250},
		{999_999_937, 333},
		{1, 1000},
		{0, 500},
		{math.MaxUint64, 1000},
		{math.MaxUint64, 0},
	}
	for _, tc := range cases {
		fee, payout, err := SplitFee(tc.amount, tc.bps)
		if err != nil {
			t.Fatalf("SplitFee(%d, %d): %v", tc.amount, tc.bps, err)
		}
		if fee+payout != tc.amount {
			t.Fatalf("SplitFee(%d, %d): %d + %d != amount", tc.amount, tc.bps, fee, payout)
		}
		if fee > tc.amount {
			t.Fatalf("fee %d exceeds amount %d", fee, tc.amount)
		}
	}
}

func TestSplitFeeKnownValues(t *testing.T) {
	fee, payout, err := SplitFee(1_000_000_000, 250)
	if err != nil {
		t.Fatal(err)
	}
	if fee != 25_000_000 || payout != 975_000_000 {
		t.Fatalf("got fee=%d payout=%d", fee, payout)
	}
}

func TestSplitFeeRejectsExcessiveRate(t *testing.T) {
	if _, _, err := SplitFee(100, bpsDenominator+1); !errors.Is(err, ErrFeeTooHigh) {
		t.Fatalf("expected ErrFeeTooHigh, got %v", err)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, err := AddChecked(math.MaxUint64, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("add overflow not detected: %v", err)
	}
	if v, err := AddChecked(math.MaxUint64-1, 1); err != nil || v != math.MaxUint64 {
		t.Fatalf("add failed: %d, %v", v, err)
	}
	if _, err := SubChecked(0, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("sub underflow not detected: %v", err)
	}
	if v, err := SubChecked(5, 3); err != nil || v != 2 {
		t.Fatalf("sub failed: %d, %v", v, err)
	}
}
