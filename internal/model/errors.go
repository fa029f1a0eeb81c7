package model

import "errors"

// Sentinel errors shared by the persistence layer and its callers.
var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyOpen          = errors.New("position already open")
	ErrInsufficientResource = errors.New("insufficient resource tokens")
	ErrAlreadyClosed        = errors.New("position already closed")
	ErrStateConflict        = errors.New("session state changed concurrently")
	ErrDuplicateLedgerEntry = errors.New("ledger entry already recorded for position")
)

// ExperiencePerLevel is the experience needed for each level above 1.
const ExperiencePerLevel = 100

// LevelFor returns the level reached with xp experience points.
func LevelFor(xp int) int {
	if xp < 0 {
		xp = 0
	}
	return DefaultLevel + xp/ExperiencePerLevel
}

// ExperienceFor is the experience granted for landing a reward of tier t.
func ExperienceFor(t Tier) int {
	return 10 * (int(t) + 1)
}
