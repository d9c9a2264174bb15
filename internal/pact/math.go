package pact

import "math/bits"

// SplitFee computes the platform fee and celebrity payout for a funded amount
// with floor division: fee + payout == amount, exactly. The product
// amount*bps is taken through a 128-bit intermediate so it can never wrap.
// AddChecked and SubChecked are the overflow-safe arithmetic primitives every
// balance mutation goes through.
func SplitFee(amount, feeRateBps uint64) (fee, payout uint64, err error) {
	if feeRateBps > bpsDenominator {
		return 0, 0, ErrFeeTooHigh
	}
	hi, lo := bits.Mul64(amount, feeRateBps)
	// hi < bpsDenominator because feeRateBps <= bpsDenominator, so Div64
	// cannot panic and the quotient fits in 64 bits (it is <= amount).
	fee, _ = bits.Div64(hi, lo, bpsDenominator)
	payout, err = SubChecked(amount, fee)
	return fee, payout, err
}

func AddChecked(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

func SubChecked(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrArithmeticOverflow
	}
	return diff, nil
}
