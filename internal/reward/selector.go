// Package reward maps a realized P&L to a randomized catalog reward.
//
// Selection runs in two stages: candidates are filtered by P&L window and
// eligibility, then tiers are tried rarest first with an independent
// Bernoulli trial each. The commonest eligible tier is the guaranteed
// fallback, and a uniform pick is made inside the winning tier.
package reward

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/metrics"
	"github.com/atmx/session-engine/internal/model"
)

// DefaultProbabilities are the per-tier acceptance probabilities.
var DefaultProbabilities = map[model.Tier]float64{
	model.TierTrash:     1.0,
	model.TierCommon:    0.8,
	model.TierRare:      0.4,
	model.TierEpic:      0.15,
	model.TierLegendary: 0.05,
}

// Catalog provides the current reward catalog.
type Catalog interface {
	Rewards(ctx context.Context) ([]model.Reward, error)
}

// Criteria describes the closed position a reward is being selected for.
type Criteria struct {
	PnL           decimal.Decimal
	Level         int
	Instrument    string
	LeverageClass string
}

// Selector picks rewards. It is safe for concurrent use.
type Selector struct {
	catalog Catalog
	probs   map[model.Tier]float64
	log     *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector creates a selector. A nil rng is seeded from the runtime; pass a
// fixed-seed generator for deterministic selection. A nil probs map uses
// DefaultProbabilities.
func NewSelector(catalog Catalog, probs map[model.Tier]float64, rng *rand.Rand, logger *slog.Logger) *Selector {
	if probs == nil {
		probs = DefaultProbabilities
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		catalog: catalog,
		probs:   probs,
		rng:     rng,
		log:     logger.With(slog.String("component", "reward")),
	}
}

// Select returns the reward for c. It never fails: catalog errors and empty
// candidate sets yield model.NoCatch().
func (s *Selector) Select(ctx context.Context, c Criteria) model.Reward {
	rewards, err := s.catalog.Rewards(ctx)
	if err != nil {
		s.log.Warn("reward catalog unavailable", "err", err)
		return s.record(model.NoCatch())
	}

	candidates := Filter(rewards, c)
	if len(candidates) == 0 {
		s.log.Info("no eligible reward", "pnl", c.PnL.String(), "level", c.Level, "instrument", c.Instrument)
		return s.record(model.NoCatch())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record(cascade(candidates, s.probs, s.rng))
}

func (s *Selector) record(r model.Reward) model.Reward {
	metrics.RewardsTotal.WithLabelValues(r.Tier.String()).Inc()
	return r
}

// Filter returns the rewards whose window contains c.PnL (inclusive on both
// ends) and whose eligibility constraints c satisfies.
func Filter(rewards []model.Reward, c Criteria) []model.Reward {
	var out []model.Reward
	for _, r := range rewards {
		if c.PnL.LessThan(r.MinPnL) || c.PnL.GreaterThan(r.MaxPnL) {
			continue
		}
		if !Eligible(r, c) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Eligible checks the non-window constraints of r.
func Eligible(r model.Reward, c Criteria) bool {
	if c.Level < r.MinLevel {
		return false
	}
	if len(r.Instruments) > 0 && !contains(r.Instruments, c.Instrument) {
		return false
	}
	if len(r.LeverageClasses) > 0 && !contains(r.LeverageClasses, c.LeverageClass) {
		return false
	}
	return true
}

// cascade runs the tier trials over a non-empty candidate set.
func cascade(candidates []model.Reward, probs map[model.Tier]float64, rng *rand.Rand) model.Reward {
	byTier := make(map[model.Tier][]model.Reward)
	lowest := model.TierLegendary
	for _, r := range candidates {
		byTier[r.Tier] = append(byTier[r.Tier], r)
		if r.Tier < lowest {
			lowest = r.Tier
		}
	}

	for tier := model.TierLegendary; tier > lowest; tier-- {
		pool := byTier[tier]
		if len(pool) == 0 {
			continue
		}
		if rng.Float64() < probs[tier] {
			return pool[rng.IntN(len(pool))]
		}
	}
	pool := byTier[lowest]
	return pool[rng.IntN(len(pool))]
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
