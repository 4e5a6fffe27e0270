// Package money converts between decimal currency amounts and the integer
// smallest-unit values the ledger stores.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Cents is an amount in the smallest currency unit.
type Cents int64

const fractionDigits = 2

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrTooPrecise    = errors.New("amount has more than two decimal places")
)

// Parse converts a decimal string such as "30.00" or "0.5" into Cents.
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// FromDecimal converts d into Cents, rejecting values with sub-cent precision.
func FromDecimal(d decimal.Decimal) (Cents, error) {
	scaled := d.Shift(fractionDigits)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	return Cents(scaled.IntPart()), nil
}

// Decimal returns c as a decimal currency amount.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -fractionDigits)
}

// String formats c with exactly two decimal places.
func (c Cents) String() string {
	return c.Decimal().StringFixed(fractionDigits)
}

// MarshalJSON encodes c as a decimal string, e.g. "70.00".
func (c Cents) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts either a JSON string ("30.00") or a JSON number (30).
func (c *Cents) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, data)
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
