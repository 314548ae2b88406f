package domain

import (
	"fmt"
	"time"
)

type Recurrence string

const (
	RecurrenceNone   Recurrence = "none"
	RecurrenceDaily  Recurrence = "daily"
	RecurrenceWeekly Recurrence = "weekly"
)

// TimeBlock is a coarse period of the day used to batch reminders for tasks
// without a specific time.
type TimeBlock string

const (
	BlockMorning     TimeBlock = "morning"
	BlockNoon        TimeBlock = "noon"
	BlockEvening     TimeBlock = "evening"
	BlockNight       TimeBlock = "night"
	BlockUnspecified TimeBlock = "unspecified"
)

// OrderedBlocks is the day's block sequence used for cumulative reminders.
var OrderedBlocks = []TimeBlock{BlockMorning, BlockNoon, BlockEvening, BlockNight}

// BlockIndex returns the position of b in OrderedBlocks, or -1.
func BlockIndex(b TimeBlock) int {
	for i, o := range OrderedBlocks {
		if o == b {
			return i
		}
	}
	return -1
}

func ParseTimeBlock(s string) (TimeBlock, bool) {
	switch TimeBlock(s) {
	case BlockMorning, BlockNoon, BlockEvening, BlockNight, BlockUnspecified:
		return TimeBlock(s), true
	}
	return BlockUnspecified, false
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// On returns t on the calendar date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, 0, 0, day.Location())
}

// Task is a to-do record held transiently during one scheduling pass.
type Task struct {
	ID             string
	Title          string
	Completed      bool
	Recurrence     Recurrence
	Weekdays       map[time.Weekday]bool
	SpecificTime   *TimeOfDay
	TimeBlock      TimeBlock
	Due            *time.Time
	LastRemindedAt *time.Time
}

// DueOn reports whether the task's recurrence puts it on day's agenda.
func (t Task) DueOn(day time.Time) bool {
	switch t.Recurrence {
	case RecurrenceDaily:
		return true
	case RecurrenceWeekly:
		return t.Weekdays[day.Weekday()]
	default:
		if t.Due == nil {
			return false
		}
		d := t.Due.In(day.Location())
		return d.Year() == day.Year() && d.YearDay() == day.YearDay()
	}
}

type DeliveryKind string

const (
	DeliveryReminder  DeliveryKind = "reminder"
	DeliveryTimeBlock DeliveryKind = "timeblock"
	DeliveryOutreach  DeliveryKind = "outreach"
	DeliveryCheckIn   DeliveryKind = "checkin"
)

type Delivery struct {
	ID        string
	Kind      DeliveryKind
	Subject   string
	Status    string // sent|failed
	Error     string
	CreatedAt time.Time
}

type JobRun struct {
	ID         string
	JobID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}
