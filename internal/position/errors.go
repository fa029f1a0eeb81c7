package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/atmx/session-engine/internal/model"
)

var (
	ErrAlreadyOpen          = model.ErrAlreadyOpen
	ErrInsufficientResource = model.ErrInsufficientResource
	ErrNoOpenPosition       = errors.New("position: no open position")
	ErrPriceUnavailable     = errors.New("position: price unavailable")
	ErrInvalidRequest       = errors.New("position: invalid request")
	ErrBusy                 = errors.New("position: another command is in progress")
)

// TooSoonError rejects a close that is both too early and too small.
// Remaining is whole seconds, as computed by the gate.
type TooSoonError struct {
	Elapsed   time.Duration
	Required  time.Duration
	Remaining time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("position: too soon to close (%s elapsed, %s required)",
		e.Elapsed.Truncate(time.Second), e.Required)
}

