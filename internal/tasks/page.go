package tasks

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"nudge/internal/domain"
	"nudge/internal/timeparse"
)

type page struct {
	ID         string              `json:"id"`
	Properties map[string]property `json:"properties"`
}

type property struct {
	Title       []richText `json:"title"`
	RichText    []richText `json:"rich_text"`
	Checkbox    bool       `json:"checkbox"`
	Select      *option    `json:"select"`
	MultiSelect []option   `json:"multi_select"`
	Date        *dateValue `json:"date"`
}

type richText struct {
	PlainText string `json:"plain_text"`
}

type option struct {
	Name string `json:"name"`
}

type dateValue struct {
	Start string `json:"start"`
}

type queryResponse struct {
	Results    []page  `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
}

func plain(rt []richText) string {
	var b strings.Builder
	for _, r := range rt {
		b.WriteString(r.PlainText)
	}
	return strings.TrimSpace(b.String())
}

func (p property) selected() string {
	if p.Select == nil {
		return ""
	}
	return p.Select.Name
}

func (s *Store) toTask(p page) domain.Task {
	props := p.Properties
	t := domain.Task{
		ID:         p.ID,
		Title:      plain(props[s.schema.Title].Title),
		Completed:  props[s.schema.Done].Checkbox,
		Recurrence: s.schema.recurrence(props[s.schema.Repeat].selected()),
		TimeBlock:  s.schema.block(props[s.schema.TimeBlock].selected()),
	}
	if t.Title == "" {
		t.Title = "..."
	}

	if t.Recurrence == domain.RecurrenceWeekly {
		t.Weekdays = make(map[time.Weekday]bool)
		for _, o := range props[s.schema.Weekdays].MultiSelect {
			if wd, ok := s.schema.weekday(o.Name); ok {
				t.Weekdays[wd] = true
			}
		}
	}

	if raw := plain(props[s.schema.Time].RichText); raw != "" {
		if tod, ok := timeparse.ParseTimeOfDay(raw); ok {
			t.SpecificTime = &tod
		} else {
			log.Warn().Str("task_id", p.ID).Str("time", raw).Msg("ignoring unparseable task time")
		}
	}

	if d := props[s.schema.Due].Date; d != nil {
		if due, ok := parseDate(d.Start, s.loc); ok {
			t.Due = &due
		}
	}
	if d := props[s.schema.LastReminded].Date; d != nil {
		if at, ok := parseDate(d.Start, s.loc); ok {
			t.LastRemindedAt = &at
		}
	}
	return t
}

// parseDate accepts full timestamps, naive timestamps (read in loc) and
// bare dates.
func parseDate(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
