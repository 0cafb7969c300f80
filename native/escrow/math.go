package escrow

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Money amounts are capped at the largest 256-bit value. Arithmetic on the
// payment paths saturates at the cap and floors at zero instead of failing,
// so no financial total is ever unrepresentable.

func maxAmount() *big.Int {
	return new(uint256.Int).SetAllOne().ToBig()
}

func toUint256(v *big.Int) *uint256.Int {
	if v == nil || v.Sign() <= 0 {
		return uint256.NewInt(0)
	}
	x, overflow := uint256.FromBig(v)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return x
}

// cappedAdd returns a+b saturated at the 256-bit maximum.
func cappedAdd(a, b *big.Int) *big.Int {
	sum, carry := new(uint256.Int).AddOverflow(toUint256(a), toUint256(b))
	if carry {
		return maxAmount()
	}
	return sum.ToBig()
}

// cappedSub returns a-b floored at zero.
func cappedSub(a, b *big.Int) *big.Int {
	diff, underflow := new(uint256.Int).SubOverflow(toUint256(a), toUint256(b))
	if underflow {
		return big.NewInt(0)
	}
	return diff.ToBig()
}

// cappedMul returns a*b saturated at the 256-bit maximum.
func cappedMul(a, b *big.Int) *big.Int {
	x := toUint256(a)
	y := toUint256(b)
	if x.IsZero() || y.IsZero() {
		return big.NewInt(0)
	}
	product, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return maxAmount()
	}
	return product.ToBig()
}

// mulDiv returns a*b/den with truncating division, saturating the
// intermediate product. A zero denominator yields zero rather than a panic;
// callers guard the denominator on every reward path.
func mulDiv(a, b, den *big.Int) *big.Int {
	if den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Div(cappedMul(a, b), den)
}
