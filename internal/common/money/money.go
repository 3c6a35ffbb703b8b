// Package money provides exact fixed-point monetary arithmetic.
// Amounts are stored in minor units (kobo) with two decimal places,
// so sums never pass through binary floating point.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// minorFactor is the number of minor units per major unit.
const minorFactor = 100

// Amount is a monetary value in minor units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// FromMinor creates an Amount from minor units.
func FromMinor(v int64) Amount {
	return Amount(v)
}

// FromMajor creates an Amount from whole major units.
func FromMajor(v int64) Amount {
	return Amount(v * minorFactor)
}

// Parse parses a decimal string such as "1000", "1000.5" or "1000.50".
// More than two decimal places is an error.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty amount")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart = s[:i]
		fracPart = s[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if len(fracPart) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimal places", s)
	}

	var minor int64
	for _, c := range intPart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		d := int64(c - '0')
		if minor > (1<<62)/10 {
			return 0, fmt.Errorf("amount %q overflows", s)
		}
		minor = minor*10 + d
	}
	minor *= minorFactor

	for i, c := range fracPart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		d := int64(c - '0')
		if i == 0 {
			minor += d * 10
		} else {
			minor += d
		}
	}

	if neg {
		minor = -minor
	}
	return Amount(minor), nil
}

// MustParse parses a decimal string, panicking on error. For constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Minor returns the amount in minor units.
func (a Amount) Minor() int64 {
	return int64(a)
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return a + b
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return a - b
}

// ClampZero returns the amount, floored at zero.
func (a Amount) ClampZero() Amount {
	if a < 0 {
		return 0
	}
	return a
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a == 0
}

// IsPositive reports whether the amount is greater than zero.
func (a Amount) IsPositive() bool {
	return a > 0
}

// IsNegative reports whether the amount is less than zero.
func (a Amount) IsNegative() bool {
	return a < 0
}

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool {
	return a < b
}

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool {
	return a > b
}

// Sum adds up multiple amounts.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}

// String renders the amount with two decimal places, e.g. "1000.00".
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/minorFactor, v%minorFactor)
}

// MarshalJSON renders the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Scan implements sql.Scanner. Amounts are stored as BIGINT minor units.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case int64:
		*a = Amount(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
}

// Value implements driver.Valuer.
func (a Amount) Value() (driver.Value, error) {
	return int64(a), nil
}
