// Package instrument handles market pair parsing, validation, and leverage
// classification.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Leverage classes used by reward eligibility.
const (
	ClassLow    = "low"
	ClassMedium = "medium"
	ClassHigh   = "high"
)

// pairRegex matches: {BASE}/{QUOTE}
// Example: ETH/USDT
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/([A-Z]{3,5})$`)

var (
	ErrInvalidPair      = errors.New("instrument: invalid pair format")
	ErrUnsupportedBase  = errors.New("instrument: unsupported base asset")
	ErrInvalidLeverage  = errors.New("instrument: invalid leverage")
	MaxLeverage         = decimal.NewFromInt(100)
	lowLeverageCeiling  = decimal.NewFromInt(2)
	highLeverageCeiling = decimal.NewFromInt(5)
)

// Supported maps base assets to their price-feed identifier.
var Supported = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"ADA":   "cardano",
	"MATIC": "matic-network",
	"AVAX":  "avalanche-2",
	"LINK":  "chainlink",
	"DOT":   "polkadot",
}

// Pair is a parsed instrument.
type Pair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	FeedID string `json:"feed_id"`
}

// Parse parses and validates an instrument symbol. Lowercase input and
// surrounding whitespace are accepted.
func Parse(symbol string) (*Pair, error) {
	norm := strings.ToUpper(strings.TrimSpace(symbol))
	matches := pairRegex.FindStringSubmatch(norm)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidPair, symbol)
	}
	feed, ok := Supported[matches[1]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBase, matches[1])
	}
	return &Pair{Symbol: norm, Base: matches[1], Quote: matches[2], FeedID: feed}, nil
}

// ValidateLeverage rejects zero and anything beyond ±MaxLeverage.
// Negative leverage is a short.
func ValidateLeverage(l decimal.Decimal) error {
	if l.IsZero() {
		return fmt.Errorf("%w: must be non-zero", ErrInvalidLeverage)
	}
	if l.Abs().GreaterThan(MaxLeverage) {
		return fmt.Errorf("%w: |%s| exceeds %s", ErrInvalidLeverage, l, MaxLeverage)
	}
	return nil
}

// LeverageClass buckets |l| into low (≤2), medium (≤5) and high.
func LeverageClass(l decimal.Decimal) string {
	a := l.Abs()
	switch {
	case a.LessThanOrEqual(lowLeverageCeiling):
		return ClassLow
	case a.LessThanOrEqual(highLeverageCeiling):
		return ClassMedium
	default:
		return ClassHigh
	}
}

// Direction returns "long" or "short" for the leverage sign.
func Direction(l decimal.Decimal) string {
	if l.IsNegative() {
		return "short"
	}
	return "long"
}
