package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"nudge/internal/domain"
	"nudge/internal/reminder"
	"nudge/internal/tasks"
)

// Reminders is the part of reminder.Dispatcher the job table drives.
type Reminders interface {
	CheckSpecificTime(ctx context.Context) (reminder.Result, error)
	SendTimeBlock(ctx context.Context, block domain.TimeBlock) (reminder.Result, error)
	SendCheckIn(ctx context.Context, slot string) error
}

type Resetter interface {
	ResetRecurring(ctx context.Context, now time.Time) (tasks.ResetResult, error)
}

// Deps are captured by the default job closures. They are read-only after
// construction.
type Deps struct {
	Reminders        Reminders
	Tasks            Resetter
	ReminderInterval time.Duration
	Now              func() time.Time
}

type dailySlot struct {
	id           string
	hour, minute int
}

var (
	checkInSlots = []dailySlot{
		{"morning", 9, 0},
		{"noon", 12, 0},
		{"evening", 18, 0},
		{"night", 23, 0},
	}
	blockSlots = []struct {
		block        domain.TimeBlock
		hour, minute int
	}{
		{domain.BlockMorning, 9, 5},
		{domain.BlockNoon, 12, 5},
		{domain.BlockEvening, 18, 5},
		{domain.BlockNight, 21, 0},
		{domain.BlockUnspecified, 14, 15},
	}
)

// DefaultJobs is the standing job table: check-ins, the nightly recurring
// reset, the specific-time sweep and the time-block summaries.
func DefaultJobs(d Deps) []Job {
	if d.Now == nil {
		d.Now = time.Now
	}
	interval := d.ReminderInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	jobs := make([]Job, 0, len(checkInSlots)+len(blockSlots)+2)
	for _, slot := range checkInSlots {
		slot := slot
		jobs = append(jobs, Job{
			ID:      "checkin-" + slot.id,
			Trigger: At(slot.hour, slot.minute),
			Run: func(ctx context.Context) error {
				return d.Reminders.SendCheckIn(ctx, slot.id)
			},
		})
	}

	jobs = append(jobs, Job{
		ID:      "reset-recurring",
		Trigger: At(0, 1),
		Run: func(ctx context.Context) error {
			res, err := d.Tasks.ResetRecurring(ctx, d.Now())
			if err != nil {
				return err
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("reset %d of %d tasks, failed: %s", res.Reset, res.Matched, strings.Join(res.Failed, ", "))
			}
			return nil
		},
	})

	jobs = append(jobs, Job{
		ID:      "reminders-specific",
		Trigger: sweepTrigger(interval),
		Run: func(ctx context.Context) error {
			_, err := d.Reminders.CheckSpecificTime(ctx)
			return err
		},
	})

	for _, slot := range blockSlots {
		slot := slot
		jobs = append(jobs, Job{
			ID:      "timeblock-" + string(slot.block),
			Trigger: At(slot.hour, slot.minute),
			Run: func(ctx context.Context) error {
				res, err := d.Reminders.SendTimeBlock(ctx, slot.block)
				if err != nil {
					return err
				}
				if res.Failed > 0 {
					return fmt.Errorf("time-block %s: delivery failed", slot.block)
				}
				return nil
			},
		})
	}
	return jobs
}

// RegisterAll registers every job and stops at the first invalid one.
func (s *Service) RegisterAll(jobs []Job) error {
	for _, j := range jobs {
		if err := s.Register(j); err != nil {
			return err
		}
	}
	log.Debug().Int("jobs", len(jobs)).Msg("job table registered")
	return nil
}

// sweepTrigger aligns the sweep to wall-clock minutes when d divides the
// hour evenly. Other intervals run relative to process start.
func sweepTrigger(d time.Duration) Trigger {
	if d%time.Minute == 0 {
		if mins := int(d / time.Minute); mins > 0 && 60%mins == 0 {
			return Cron(fmt.Sprintf("*/%d * * * *", mins))
		}
	}
	return Every(d)
}
