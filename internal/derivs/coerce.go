package derivs

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Num is a lenient JSON number. Upstream APIs report numerics as JSON numbers,
// decimal strings, empty strings or null; Num accepts all of them and never fails
// decoding, so one malformed field cannot reject a whole payload.
type Num struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Num) UnmarshalJSON(b []byte) error {
	*n = Num{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	var raw string
	switch b[0] {
	case '"':
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		raw = string(b)
	default:
		return nil
	}

	if v, ok := ParseNumber(raw); ok {
		n.Value, n.Valid = v, true
	}
	return nil
}

// MarshalJSON implements json.Marshaler; invalid numbers encode as null.
func (n Num) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// OrZero returns the value, or 0 when missing or non-numeric.
func (n Num) OrZero() float64 {
	if !n.Valid {
		return 0
	}
	return n.Value
}

// Ptr returns the value as a pointer, or nil when missing or non-numeric.
func (n Num) Ptr() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// NonNegative clamps the value to zero from below. Open interest, volume and
// prices are never negative; a negative report is treated as missing.
func (n Num) NonNegative() float64 {
	if !n.Valid || n.Value < 0 {
		return 0
	}
	return n.Value
}

// N builds a valid Num. Used by normalizer tests and adapters that compute values.
func N(v float64) Num {
	return Num{Value: v, Valid: true}
}

// ParseNumber parses a decimal string exactly and converts it to float64.
// Empty, non-numeric, NaN and infinite inputs report ok=false.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	v, _ := d.Float64()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Mul multiplies two Nums; the product is valid only when both factors are.
func Mul(a, b Num) Num {
	if !a.Valid || !b.Valid {
		return Num{}
	}
	return N(decimal.NewFromFloat(a.Value).Mul(decimal.NewFromFloat(b.Value)).InexactFloat64())
}
