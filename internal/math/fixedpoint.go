package math

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

// AmountConfig is the precision of every pool, premium and coverage amount.
var AmountConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // 0.00000001

// ParseAmount converts a decimal string ("8.025", "-1", "0.005") into
// fixed-point base units. More than AmountConfig.DecimalPrecision fractional
// digits is an error, rounding is never applied.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if hasDot && frac == "" {
		return 0, fmt.Errorf("invalid amount %q: trailing decimal point", s)
	}
	if len(frac) > AmountConfig.DecimalPrecision {
		return 0, fmt.Errorf("invalid amount %q: more than %d decimal places", s, AmountConfig.DecimalPrecision)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if whole == "" {
		whole = "0"
	}

	frac += strings.Repeat("0", AmountConfig.DecimalPrecision-len(frac))

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if negative {
		v = -v
	}
	return v, nil
}

// FormatAmount renders base units as a decimal string with trailing zeros
// trimmed ("8.025", "5", "-0.5").
func FormatAmount(v int64) string {
	sign := ""
	u := uint64(v)
	if v < 0 {
		sign = "-"
		u = uint64(-(v + 1)) + 1 // handles math.MinInt64
	}

	scale := uint64(AmountConfig.Scale)
	whole := u / scale
	frac := u % scale
	if frac == 0 {
		return sign + strconv.FormatUint(whole, 10)
	}

	fracStr := fmt.Sprintf("%0*d", AmountConfig.DecimalPrecision, frac)
	fracStr = strings.TrimRight(fracStr, "0")
	return sign + strconv.FormatUint(whole, 10) + "." + fracStr
}

// CheckedAdd returns a + b, or an error if the sum overflows int64.
func CheckedAdd(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, fmt.Errorf("amount overflow: %d + %d", a, b)
	}
	return a + b, nil
}

// CheckedSub returns a - b, or an error if the difference overflows int64.
func CheckedSub(a, b int64) (int64, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, fmt.Errorf("amount overflow: %d - %d", a, b)
	}
	return a - b, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Amount is the wire form of a fixed-point amount. It decodes from either a
// JSON number (base units) or a JSON string (decimal units, "0.01"), and
// always encodes as a decimal string.
type Amount int64

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(FormatAmount(int64(a)))
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := ParseAmount(s)
		if err != nil {
			return err
		}
		*a = Amount(v)
		return nil
	}

	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("amount must be a decimal string or integer base units: %w", err)
	}
	*a = Amount(v)
	return nil
}

func (a Amount) String() string {
	return FormatAmount(int64(a))
}
