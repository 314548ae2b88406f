package reminder

import (
	"time"

	"nudge/internal/domain"
)

// State is a task's reminder eligibility: either eligible, or suppressed
// until a point in time.
type State struct {
	Suppressed bool
	Until      time.Time
}

var Eligible = State{}

func SuppressedUntil(t time.Time) State { return State{Suppressed: true, Until: t} }

// EligibleAt reports whether a reminder may be sent at now.
func (s State) EligibleAt(now time.Time) bool {
	return !s.Suppressed || !now.Before(s.Until)
}

// SpecificTimeState suppresses a task for cooldown after its last reminder.
func SpecificTimeState(last *time.Time, cooldown time.Duration) State {
	if last == nil {
		return Eligible
	}
	return SuppressedUntil(last.Add(cooldown))
}

// TimeBlockState suppresses a batched task for the cooldown and at least
// until the local midnight following its last reminder, so it is included
// in one batch per day.
func TimeBlockState(last *time.Time, cooldown time.Duration, loc *time.Location) State {
	if last == nil {
		return Eligible
	}
	l := last.In(loc)
	midnight := time.Date(l.Year(), l.Month(), l.Day()+1, 0, 0, 0, 0, loc)
	until := last.Add(cooldown)
	if midnight.After(until) {
		until = midnight
	}
	return SuppressedUntil(until)
}

// inBatch reports whether a task tagged taskBlock belongs in the batch sent
// for block. Ordered blocks accumulate: the evening batch also carries
// morning and noon tasks. Unspecified tasks only go in their own batch.
func inBatch(taskBlock, block domain.TimeBlock) bool {
	if block == domain.BlockUnspecified {
		return taskBlock == domain.BlockUnspecified
	}
	i := domain.BlockIndex(taskBlock)
	return i >= 0 && i <= domain.BlockIndex(block)
}
