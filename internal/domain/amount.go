package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// BaseUnitDecimals is the number of fractional digits between STX and micro-STX.
const BaseUnitDecimals = 6

// ZeroAmount is the formatted zero amount used for fresh agents.
var ZeroAmount = FormatAmount(decimal.Zero)

var ErrInvalidAmount = errors.New("invalid amount")

// ParseBounty parses a human readable bounty. It must be positive and carry no more
// precision than the base unit can represent.
func ParseBounty(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: bounty is required", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: bounty must be positive", ErrInvalidAmount)
	}
	if !d.Shift(BaseUnitDecimals).IsInteger() {
		return decimal.Decimal{}, fmt.Errorf("%w: bounty has more than %d decimal places", ErrInvalidAmount, BaseUnitDecimals)
	}
	return d, nil
}

// ToBaseUnits converts a bounty to micro-STX as an integer string.
func ToBaseUnits(raw string) (string, error) {
	d, err := ParseBounty(raw)
	if err != nil {
		return "", err
	}
	return d.Shift(BaseUnitDecimals).StringFixed(0), nil
}

// FormatAmount renders an amount with fixed base-unit precision.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(BaseUnitDecimals)
}

// AddAmounts sums two formatted amounts. Unparseable inputs count as zero.
func AddAmounts(a, b string) string {
	return FormatAmount(parseOrZero(a).Add(parseOrZero(b)))
}

func parseOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
