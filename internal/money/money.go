// Package money provides fixed-point decimal arithmetic for every monetary
// value in the system. Binary floating point is forbidden anywhere money is
// computed or compared; all amounts round half-to-even at 2 fractional digits
// and serialize as decimal strings.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-point monetary value with 2 fractional digits.
type Amount struct {
	dec decimal.Decimal
}

// Zero is the canonical zero amount.
var Zero = Amount{dec: decimal.Zero}

// New builds an Amount from integer dollars and cents.
func New(dollars int64, cents int64) Amount {
	d := decimal.NewFromInt(dollars)
	c := decimal.New(cents, -2)
	return Amount{dec: d.Add(c)}.Round()
}

// FromString parses a decimal string such as "385000.00".
func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid money amount %q: %w", s, err)
	}
	return Amount{dec: d}.Round(), nil
}

// MustParse is FromString for compile-time constants in tests and defaults.
func MustParse(s string) Amount {
	a, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal wraps a raw decimal, rounding to 2 places.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{dec: d}.Round()
}

// Decimal exposes the underlying decimal for rate arithmetic.
func (a Amount) Decimal() decimal.Decimal { return a.dec }

// Round applies banker's rounding at 2 fractional digits.
func (a Amount) Round() Amount {
	return Amount{dec: a.dec.RoundBank(2)}
}

func (a Amount) Add(b Amount) Amount { return Amount{dec: a.dec.Add(b.dec)}.Round() }
func (a Amount) Sub(b Amount) Amount { return Amount{dec: a.dec.Sub(b.dec)}.Round() }

// MulRate multiplies by a rate (e.g. a commission percentage expressed as a
// decimal fraction) and rounds the product.
func (a Amount) MulRate(rate decimal.Decimal) Amount {
	return Amount{dec: a.dec.Mul(rate)}.Round()
}

func (a Amount) Cmp(b Amount) int          { return a.dec.Cmp(b.dec) }
func (a Amount) Equal(b Amount) bool       { return a.dec.Equal(b.dec) }
func (a Amount) IsZero() bool              { return a.dec.IsZero() }
func (a Amount) IsNegative() bool          { return a.dec.IsNegative() }
func (a Amount) IsPositive() bool          { return a.dec.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.dec.GreaterThan(b.dec) }
func (a Amount) LessThan(b Amount) bool    { return a.dec.LessThan(b.dec) }

// String renders the canonical 2-digit decimal form, e.g. "10000.00".
func (a Amount) String() string {
	return a.dec.StringFixedBank(2)
}

// MarshalJSON serializes as a decimal string per the external contract.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both "1200.00" and bare 1200.00 forms.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer so amounts persist as NUMERIC text.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case string:
		parsed, err := FromString(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := FromString(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into money.Amount", src)
	}
}

// Sum adds a slice of amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Rate parses a decimal rate such as "0.03".
func Rate(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// MustRate is Rate for constants.
func MustRate(s string) decimal.Decimal {
	r, err := Rate(s)
	if err != nil {
		panic(err)
	}
	return r
}
