// Package money holds the single unit of account used by the ledger.
//
// Amounts are int64 minor units (cents). Percentages are basis points
// (1 bp = 0.01%). Decimal text only appears at the API boundary.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by an Amount.
const Scale = 2

// BasisPoints in 100%.
const BasisPoints = 10_000

// Amount is a monetary value in minor units.
type Amount int64

var ErrBadAmount = errors.New("bad amount")

// FromUnits converts whole units (e.g. dollars) to an Amount.
func FromUnits(units int64) Amount {
	return Amount(units * 100)
}

// Parse reads a decimal string such as "12.50". More than two decimal
// places is an error rather than a silent rounding.
func Parse(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrBadAmount
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadAmount, err)
	}
	shifted := d.Shift(Scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrBadAmount, Scale)
	}
	if !shifted.IsInteger() || shifted.Abs().GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, fmt.Errorf("%w: out of range", ErrBadAmount)
	}
	return Amount(shifted.IntPart()), nil
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

// Float64 is for metrics only; never feed it back into the ledger.
func (a Amount) Float64() float64 {
	f, _ := a.Decimal().Float64()
	return f
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both "12.50" and 12.5.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*a = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Percent returns floor(a * bp / 10000).
func Percent(a Amount, bp int64) Amount {
	if a <= 0 || bp <= 0 {
		return 0
	}
	v := decimal.NewFromInt(int64(a)).
		Mul(decimal.NewFromInt(bp)).
		Div(decimal.NewFromInt(BasisPoints)).
		Floor()
	return Amount(v.IntPart())
}

// Allocate splits a across shares given in basis points so that the parts
// sum to exactly Percent(a, sum(bps)). Floors first, then hands out the
// leftover minor units by largest remainder; ties go to the earlier share.
func Allocate(a Amount, bps []int64) []Amount {
	out := make([]Amount, len(bps))
	if a <= 0 || len(bps) == 0 {
		return out
	}
	var total int64
	for _, bp := range bps {
		if bp > 0 {
			total += bp
		}
	}
	target := Percent(a, total)

	type rem struct {
		idx  int
		frac int64
	}
	rems := make([]rem, 0, len(bps))
	var allocated Amount
	for i, bp := range bps {
		if bp <= 0 {
			continue
		}
		out[i] = Percent(a, bp)
		allocated += out[i]
		// remainder of a*bp/10000 in units of 1/10000 minor unit
		frac := decimal.NewFromInt(int64(a)).Mul(decimal.NewFromInt(bp)).Mod(decimal.NewFromInt(BasisPoints)).IntPart()
		rems = append(rems, rem{idx: i, frac: frac})
	}
	sort.SliceStable(rems, func(i, j int) bool { return rems[i].frac > rems[j].frac })
	for i := 0; allocated < target && i < len(rems); i++ {
		out[rems[i].idx]++
		allocated++
	}
	return out
}

// Ratio returns num/den in basis points clamped to [0, 10000]. The result
// is 10000 only when num >= den.
func Ratio(num, den Amount) int64 {
	if den <= 0 {
		return BasisPoints
	}
	if num <= 0 {
		return 0
	}
	if num >= den {
		return BasisPoints
	}
	v := decimal.NewFromInt(int64(num)).
		Mul(decimal.NewFromInt(BasisPoints)).
		Div(decimal.NewFromInt(int64(den))).
		Floor().
		IntPart()
	if v >= BasisPoints {
		v = BasisPoints - 1
	}
	return v
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}
