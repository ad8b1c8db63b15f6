package queue

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks a malformed day configuration. It is fatal at
// clinic-day setup: the day must be rejected before it is opened.
var ErrConfiguration = errors.New("invalid clinic day configuration")

// Validate checks a day configuration before the day is opened. Thresholds
// are required inputs: there are no universal defaults for "late", "overrun"
// or the debounce window.
func (c DayConfig) Validate() error {
	switch c.Mode {
	case ModeSlotted, ModeFluid:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrConfiguration, c.Mode)
	}

	if c.ActiveStaffCount < 1 {
		return fmt.Errorf("%w: active staff count must be at least 1", ErrConfiguration)
	}
	if c.GracePeriodMinutes <= 0 {
		return fmt.Errorf("%w: grace period is required", ErrConfiguration)
	}
	if c.LateThresholdMinutes <= 0 {
		return fmt.Errorf("%w: late threshold is required", ErrConfiguration)
	}
	if c.DurationOverrunThresholdMinutes <= 0 {
		return fmt.Errorf("%w: duration overrun threshold is required", ErrConfiguration)
	}
	if c.DebounceWindowMs < 0 {
		return fmt.Errorf("%w: debounce window must not be negative", ErrConfiguration)
	}

	for i, b := range c.Blocks {
		if !b.End.After(b.Start) {
			return fmt.Errorf("%w: block %d is empty or inverted", ErrConfiguration, i)
		}
		switch b.Mode {
		case ModeSlotted, ModeFluid:
		default:
			return fmt.Errorf("%w: block %d has unknown mode %q", ErrConfiguration, i, b.Mode)
		}
		if i > 0 && c.Blocks[i-1].End.After(b.Start) {
			return fmt.Errorf("%w: blocks %d and %d overlap or are out of order", ErrConfiguration, i-1, i)
		}
	}

	if usesFluid(c) {
		w := c.Weights
		if w.WaitingMinutes == 0 && w.TypeWeight == 0 && w.Punctuality == 0 {
			return fmt.Errorf("%w: fluid mode requires priority weights", ErrConfiguration)
		}
	}

	return nil
}

func usesFluid(c DayConfig) bool {
	if c.Mode == ModeFluid {
		return true
	}
	for _, b := range c.Blocks {
		if b.Mode == ModeFluid {
			return true
		}
	}
	return false
}
