package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by every supported currency.
const Scale = 2

// Currency represents an ISO 4217 currency code
type Currency string

const (
	NGN Currency = "NGN"
	GHS Currency = "GHS"
	KES Currency = "KES"
	ZAR Currency = "ZAR"
	USD Currency = "USD"
	IDR Currency = "IDR"
)

// DefaultCurrency is used for wallets created without an explicit currency.
const DefaultCurrency = NGN

var currencies = map[Currency]bool{
	NGN: true,
	GHS: true,
	KES: true,
	ZAR: true,
	USD: true,
	IDR: true,
}

// Valid reports whether the currency is supported.
func (c Currency) Valid() bool {
	return currencies[c]
}

// ErrInvalidAmount is returned when a decimal string cannot be represented as an Amount.
var ErrInvalidAmount = errors.New("invalid amount")

// Amount is a monetary amount in minor units (kobo, cents, ...).
// On the wire it is always a fixed-point decimal string such as "1500.00".
type Amount int64

// ParseAmount parses a decimal string with at most Scale fractional digits.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// MustParse is ParseAmount for literals known to be valid.
func MustParse(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts a decimal in major units to an Amount.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	minor := d.Shift(Scale)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, d.String(), Scale)
	}
	if !minor.Abs().LessThanOrEqual(decimal.NewFromInt(1 << 53)) {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, d.String())
	}
	return Amount(minor.IntPart()), nil
}

// Minor returns the amount in minor units.
func (a Amount) Minor() int64 {
	return int64(a)
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

// IsPositive returns true if the amount is greater than zero
func (a Amount) IsPositive() bool {
	return a > 0
}

// String renders the fixed-point decimal form, e.g. "1500.00".
func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

// MarshalJSON implements json.Marshaler
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts only decimal strings so that no float rounding can creep in.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: amounts must be decimal strings", ErrInvalidAmount)
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Scan implements sql.Scanner
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = 0
	case int64:
		*a = Amount(v)
	case int32:
		*a = Amount(v)
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
	return nil
}

// Value implements driver.Valuer
func (a Amount) Value() (driver.Value, error) {
	return int64(a), nil
}
