package reward

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/model"
)

func window(lo, hi int64) (decimal.Decimal, decimal.Decimal) {
	return decimal.NewFromInt(lo), decimal.NewFromInt(hi)
}

func entry(id, name, emoji string, tier model.Tier, lo, hi int64, minLevel int) model.Reward {
	from, to := window(lo, hi)
	return model.Reward{ID: id, Name: name, Emoji: emoji, Tier: tier, MinPnL: from, MaxPnL: to, MinLevel: minLevel}
}

// DefaultCatalog is the built-in catalog used when no catalog file is
// configured. Every P&L from -1000% to +1000% has at least one trash entry.
func DefaultCatalog() StaticCatalog {
	return StaticCatalog{
		entry("old-boot", "Old Boot", "👢", model.TierTrash, -1000, 0, 1),
		entry("seaweed", "Seaweed", "🌿", model.TierTrash, -1000, 1000, 1),
		entry("tin-can", "Tin Can", "🥫", model.TierTrash, 0, 1000, 1),
		entry("minnow", "Minnow", "🐟", model.TierCommon, -2, 2, 1),
		entry("perch", "Perch", "🐠", model.TierCommon, 0, 5, 1),
		entry("catfish", "Catfish", "🐡", model.TierCommon, -10, -1, 1),
		entry("salmon", "Salmon", "🍣", model.TierRare, 2, 15, 1),
		entry("pike", "Pike", "🦈", model.TierRare, -20, -5, 2),
		entry("swordfish", "Swordfish", "🗡", model.TierEpic, 10, 50, 3),
		entry("octopus", "Octopus", "🐙", model.TierEpic, -60, -15, 3),
		entry("golden-koi", "Golden Koi", "✨", model.TierLegendary, 30, 1000, 5),
		entry("kraken", "Kraken", "🦑", model.TierLegendary, -1000, -50, 5),
	}
}
