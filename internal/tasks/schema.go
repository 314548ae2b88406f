package tasks

import (
	"time"

	"nudge/internal/domain"
)

// Schema names the remote database properties and option values the store
// reads and writes.
type Schema struct {
	Title        string
	Done         string
	Repeat       string
	Weekdays     string
	Time         string
	TimeBlock    string
	Due          string
	LastReminded string

	RepeatDaily  string
	RepeatWeekly string
	// RepeatNone is the select option for one-off tasks. Empty means
	// one-off tasks leave the Repeat property unset.
	RepeatNone string

	// WeekdayNames is indexed by time.Weekday.
	WeekdayNames [7]string
	Blocks       map[string]domain.TimeBlock
}

// DefaultSchema matches the Korean-labelled to-do database the agent ships with.
func DefaultSchema() Schema {
	return Schema{
		Title:        "할 일",
		Done:         "완료 여부",
		Repeat:       "반복",
		Weekdays:     "요일",
		Time:         "구체적인 시간",
		TimeBlock:    "시간대",
		Due:          "마감일",
		LastReminded: "마지막 리마인드",

		RepeatDaily:  "매일",
		RepeatWeekly: "매주",

		WeekdayNames: [7]string{"일", "월", "화", "수", "목", "금", "토"},
		Blocks: map[string]domain.TimeBlock{
			"아침": domain.BlockMorning,
			"점심": domain.BlockNoon,
			"저녁": domain.BlockEvening,
			"밤":  domain.BlockNight,
			"무관": domain.BlockUnspecified,
		},
	}
}

func (s Schema) weekday(name string) (time.Weekday, bool) {
	for i, n := range s.WeekdayNames {
		if n == name {
			return time.Weekday(i), true
		}
	}
	return 0, false
}

func (s Schema) recurrence(option string) domain.Recurrence {
	switch option {
	case s.RepeatDaily:
		return domain.RecurrenceDaily
	case s.RepeatWeekly:
		return domain.RecurrenceWeekly
	}
	return domain.RecurrenceNone
}

func (s Schema) block(option string) domain.TimeBlock {
	if b, ok := s.Blocks[option]; ok {
		return b
	}
	if b, ok := domain.ParseTimeBlock(option); ok {
		return b
	}
	return domain.BlockUnspecified
}
