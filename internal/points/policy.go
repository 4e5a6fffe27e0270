// Package points holds the conversion rules between spend and loyalty points
// and between points and cash.
package points

import (
	"errors"
	"math"
	"math/bits"

	"github.com/dukerupert/loyaltywallet/internal/money"
)

const (
	// DefaultPointsPerDollar is the accrual rate a business gets unless it
	// configures its own.
	DefaultPointsPerDollar = 10

	// DefaultPointsPerUnit is how many points redeem for one currency unit
	// (100 points = $1.00, so 1 point = $0.01).
	DefaultPointsPerUnit = 100

	centsPerUnit = 100
)

// Policy converts between cash and points. The zero value uses the defaults.
type Policy struct {
	PointsPerUnit int64
}

func (p Policy) pointsPerUnit() int64 {
	if p.PointsPerUnit <= 0 {
		return DefaultPointsPerUnit
	}
	return p.PointsPerUnit
}

// ErrOverflow means a conversion does not fit in an int64.
var ErrOverflow = errors.New("points: value out of range")

// Earned returns the points granted for a payment of amount at the given
// points-per-dollar rate, rounded down.
func (p Policy) Earned(amount money.Cents, pointsPerDollar int) (int64, error) {
	if amount <= 0 || pointsPerDollar <= 0 {
		return 0, nil
	}
	return mulDiv(int64(amount), int64(pointsPerDollar), centsPerUnit)
}

// RedemptionValue returns the cash credited for redeeming pts, rounded down.
func (p Policy) RedemptionValue(pts int64) (money.Cents, error) {
	if pts <= 0 {
		return 0, nil
	}
	v, err := mulDiv(pts, centsPerUnit, p.pointsPerUnit())
	return money.Cents(v), err
}

// PointsForValue is the inverse of RedemptionValue.
func (p Policy) PointsForValue(value money.Cents) (int64, error) {
	if value <= 0 {
		return 0, nil
	}
	return mulDiv(int64(value), p.pointsPerUnit(), centsPerUnit)
}

// Exact reports whether redeeming pts converts to a whole number of cents.
func (p Policy) Exact(pts int64) bool {
	v, err := p.RedemptionValue(pts)
	if err != nil {
		return false
	}
	back, err := p.PointsForValue(v)
	return err == nil && back == pts
}

// mulDiv returns a*b/c rounded down for non-negative a, b and positive c,
// using a 128-bit intermediate product.
func mulDiv(a, b, c int64) (int64, error) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(q), nil
}
