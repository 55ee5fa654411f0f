package fixed

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"strings"
)

// Dec is an exact decimal scaled to 18 fractional digits. The zero value is 0.
// All arithmetic rounds half away from zero at the 18th place, so repeated
// quote/execute cycles over the same state stay byte-identical.
type Dec struct {
	n *big.Int
}

// Places is the fixed number of fractional digits carried by every Dec.
const Places = 18

// SatsPerUnit is the number of satoshis in one unit of the payment asset.
const SatsPerUnit = 100_000_000

var (
	scale     = new(big.Int).Exp(big.NewInt(10), big.NewInt(Places), nil)
	satsScale = new(big.Int).Div(scale, big.NewInt(SatsPerUnit))
)

// Zero returns the zero decimal.
func Zero() Dec {
	return Dec{n: new(big.Int)}
}

// FromInt64 converts a whole number.
func FromInt64(v int64) Dec {
	return Dec{n: new(big.Int).Mul(big.NewInt(v), scale)}
}

// FromSats converts a satoshi amount into payment-asset units.
func FromSats(sats int64) Dec {
	return Dec{n: new(big.Int).Mul(big.NewInt(sats), satsScale)}
}

// Parse reads a decimal string with up to 18 fractional digits.
func Parse(raw string) (Dec, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Dec{}, fmt.Errorf("parse decimal: empty input")
	}
	neg := false
	switch trimmed[0] {
	case '-':
		neg = true
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	whole, frac := trimmed, ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole, frac = trimmed[:idx], trimmed[idx+1:]
	}
	if whole == "" && frac == "" {
		return Dec{}, fmt.Errorf("parse decimal %q: no digits", raw)
	}
	if len(frac) > Places {
		return Dec{}, fmt.Errorf("parse decimal %q: more than %d fractional digits", raw, Places)
	}
	if whole == "" {
		whole = "0"
	}
	padded := frac + strings.Repeat("0", Places-len(frac))
	n, ok := new(big.Int).SetString(whole+padded, 10)
	if !ok {
		return Dec{}, fmt.Errorf("parse decimal %q: invalid digits", raw)
	}
	if neg {
		n.Neg(n)
	}
	return Dec{n: n}, nil
}

// MustParse parses a decimal literal and panics on malformed input. Intended
// for constants and tests.
func MustParse(raw string) Dec {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Dec) value() *big.Int {
	if d.n == nil {
		return new(big.Int)
	}
	return d.n
}

// Add returns d + other.
func (d Dec) Add(other Dec) Dec {
	return Dec{n: new(big.Int).Add(d.value(), other.value())}
}

// Sub returns d - other.
func (d Dec) Sub(other Dec) Dec {
	return Dec{n: new(big.Int).Sub(d.value(), other.value())}
}

// Neg returns -d.
func (d Dec) Neg() Dec {
	return Dec{n: new(big.Int).Neg(d.value())}
}

// Abs returns |d|.
func (d Dec) Abs() Dec {
	return Dec{n: new(big.Int).Abs(d.value())}
}

// Mul returns d * other rounded at the 18th fractional digit.
func (d Dec) Mul(other Dec) Dec {
	product := new(big.Int).Mul(d.value(), other.value())
	return Dec{n: divRound(product, scale)}
}

// Div returns d / other rounded at the 18th fractional digit. Division by
// zero panics, matching big.Int semantics.
func (d Dec) Div(other Dec) Dec {
	numerator := new(big.Int).Mul(d.value(), scale)
	return Dec{n: divRound(numerator, other.value())}
}

// MulInt returns d * v exactly.
func (d Dec) MulInt(v int64) Dec {
	return Dec{n: new(big.Int).Mul(d.value(), big.NewInt(v))}
}

// DivInt returns d / v rounded at the 18th fractional digit.
func (d Dec) DivInt(v int64) Dec {
	return Dec{n: divRound(d.value(), big.NewInt(v))}
}

// MulBps returns d scaled by bps basis points, rounded at the 18th digit.
func (d Dec) MulBps(bps int64) Dec {
	numerator := new(big.Int).Mul(d.value(), big.NewInt(bps))
	return Dec{n: divRound(numerator, big.NewInt(10_000))}
}

// Cmp compares d against other, returning -1, 0, or 1.
func (d Dec) Cmp(other Dec) int {
	return d.value().Cmp(other.value())
}

// Sign reports -1, 0, or 1 for negative, zero, or positive values.
func (d Dec) Sign() int {
	return d.value().Sign()
}

// IsZero reports whether d == 0.
func (d Dec) IsZero() bool {
	return d.value().Sign() == 0
}

// IsPositive reports whether d > 0.
func (d Dec) IsPositive() bool {
	return d.value().Sign() > 0
}

// IsNegative reports whether d < 0.
func (d Dec) IsNegative() bool {
	return d.value().Sign() < 0
}

// Equal reports whether d == other.
func (d Dec) Equal(other Dec) bool {
	return d.Cmp(other) == 0
}

// RoundInt64 rounds to the nearest whole number, half away from zero.
func (d Dec) RoundInt64() int64 {
	return divRound(d.value(), scale).Int64()
}

// Sats converts payment-asset units into satoshis, rounded half away from
// zero.
func (d Dec) Sats() int64 {
	return divRound(d.value(), satsScale).Int64()
}

// String renders the canonical decimal form with trailing fractional zeros
// trimmed.
func (d Dec) String() string {
	n := d.value()
	sign := ""
	abs := new(big.Int).Abs(n)
	if n.Sign() < 0 {
		sign = "-"
	}
	quo, rem := new(big.Int).QuoRem(abs, scale, new(big.Int))
	if rem.Sign() == 0 {
		return sign + quo.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%018s", rem.String()), "0")
	return sign + quo.String() + "." + frac
}

// MarshalJSON renders the decimal as a JSON string to keep full precision.
func (d Dec) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts decimal strings and bare JSON numbers.
func (d *Dec) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*d = Zero()
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value implements driver.Valuer so gorm persists decimals as strings.
func (d Dec) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan implements sql.Scanner for string, byte, and integer column values.
func (d *Dec) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Zero()
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case int64:
		*d = FromInt64(v)
		return nil
	case float64:
		parsed, err := Parse(strings.TrimSpace(fmt.Sprintf("%.18f", v)))
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("scan decimal: unsupported type %T", src)
	}
}

// divRound divides numerator by denom rounding half away from zero.
func divRound(numerator, denom *big.Int) *big.Int {
	quotient := new(big.Int)
	remainder := new(big.Int)
	quotient.QuoRem(numerator, denom, remainder)
	doubled := new(big.Int).Lsh(new(big.Int).Abs(remainder), 1)
	if doubled.Cmp(new(big.Int).Abs(denom)) >= 0 {
		if (numerator.Sign() < 0) != (denom.Sign() < 0) {
			quotient.Sub(quotient, big.NewInt(1))
		} else {
			quotient.Add(quotient, big.NewInt(1))
		}
	}
	return quotient
}
