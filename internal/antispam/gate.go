// Package antispam rejects position closes that are both too early and too
// insignificant to count as a real result.
package antispam

import (
	"time"

	"github.com/shopspring/decimal"
)

// Default thresholds.
var (
	DefaultMinDwell = 60 * time.Second
	DefaultMinPnL   = decimal.NewFromFloat(0.1)
)

// Gate holds the two thresholds. A close is rejected only when the elapsed
// time is under MinDwell AND |pnl| is under MinPnL; reaching either threshold
// exactly is enough to pass.
type Gate struct {
	MinDwell time.Duration
	MinPnL   decimal.Decimal // percent
}

// New returns a gate with the given thresholds. Non-positive values fall back
// to the defaults.
func New(minDwell time.Duration, minPnL decimal.Decimal) Gate {
	if minDwell <= 0 {
		minDwell = DefaultMinDwell
	}
	if !minPnL.IsPositive() {
		minPnL = DefaultMinPnL
	}
	return Gate{MinDwell: minDwell, MinPnL: minPnL}
}

// AllowClose reports whether a close with the given elapsed time and P&L
// percentage may proceed.
func (g Gate) AllowClose(elapsed time.Duration, pnl decimal.Decimal) bool {
	tooEarly := wholeSeconds(elapsed) < wholeSeconds(g.MinDwell)
	tooSmall := pnl.Abs().LessThan(g.MinPnL)
	return !(tooEarly && tooSmall)
}

// Remaining returns how long the caller still has to wait before the dwell
// threshold alone would allow a close. Zero once MinDwell has passed.
func (g Gate) Remaining(elapsed time.Duration) time.Duration {
	left := wholeSeconds(g.MinDwell) - wholeSeconds(elapsed)
	if left <= 0 {
		return 0
	}
	return time.Duration(left) * time.Second
}

// wholeSeconds truncates d to whole seconds. Negative durations (clock skew)
// count as zero.
func wholeSeconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
