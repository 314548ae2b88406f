// Package timeparse turns clock strings and relative date phrases into
// times. Unparseable input yields ok=false so callers can ask the user to
// clarify instead of guessing.
package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"nudge/internal/domain"
)

var hhmm = regexp.MustCompile(`^(\d{1,2}):(\d{1,2})$`)

// ParseTimeOfDay accepts "HH:MM" and single-digit variants such as "9:05"
// or "09:5".
func ParseTimeOfDay(text string) (domain.TimeOfDay, bool) {
	m := hhmm.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return domain.TimeOfDay{}, false
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	if h > 23 || min > 59 {
		return domain.TimeOfDay{}, false
	}
	return domain.TimeOfDay{Hour: h, Minute: min}, true
}

type Parser struct {
	loc         *time.Location
	defaultTime domain.TimeOfDay
	general     *when.Parser
}

// New returns a Parser resolving dates in loc. Phrases that name a day but
// no time get defaultTime.
func New(loc *time.Location, defaultTime domain.TimeOfDay) *Parser {
	if loc == nil {
		loc = time.Local
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Parser{loc: loc, defaultTime: defaultTime, general: w}
}

func (p *Parser) Location() *time.Location { return p.loc }

// ParseRelativeDate resolves phrases like "tomorrow", "next Wednesday 3pm"
// or "내일 오후 3시" against ref.
func (p *Parser) ParseRelativeDate(text string, ref time.Time) (time.Time, bool) {
	s := normalize(text)
	if s == "" {
		return time.Time{}, false
	}
	ref = ref.In(p.loc)
	day := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, p.loc)

	rest, dayFound := s, false
	if offset, span, ok := matchRelativeDay(s); ok {
		day = day.AddDate(0, 0, offset)
		rest, dayFound = cut(s, span), true
	} else if wd, q, span, ok := matchWeekday(s); ok {
		day = resolveWeekday(day, wd, q)
		rest, dayFound = cut(s, span), true
	}

	rest = trimFiller(rest)
	if rest == "" {
		if !dayFound {
			return time.Time{}, false
		}
		return p.defaultTime.On(day), true
	}

	if tod, ok := parseClock(rest); ok {
		return tod.On(day), true
	}

	base := time.Date(day.Year(), day.Month(), day.Day(), ref.Hour(), ref.Minute(), 0, 0, p.loc)
	r, err := p.general.Parse(rest, base)
	if err != nil || r == nil {
		return time.Time{}, false
	}
	if leftover := trimFiller(strings.Replace(rest, r.Text, "", 1)); leftover != "" {
		return time.Time{}, false
	}
	t := r.Time.In(p.loc)
	if dayFound {
		return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, p.loc), true
	}
	return t, true
}

var relativeDays = []struct {
	re     *regexp.Regexp
	offset int
}{
	{regexp.MustCompile(`\b(?:the\s+)?day\s+after\s+tomorrow\b`), 2},
	{regexp.MustCompile(`\b(?:the\s+)?day\s+before\s+yesterday\b`), -2},
	{regexp.MustCompile(`\btomorrow\b`), 1},
	{regexp.MustCompile(`\byesterday\b`), -1},
	{regexp.MustCompile(`\btoday\b`), 0},
	{regexp.MustCompile(`모레`), 2},
	{regexp.MustCompile(`그저께|그제`), -2},
	{regexp.MustCompile(`내일`), 1},
	{regexp.MustCompile(`어제`), -1},
	{regexp.MustCompile(`오늘`), 0},
}

func matchRelativeDay(s string) (int, []int, bool) {
	for _, rd := range relativeDays {
		if loc := rd.re.FindStringIndex(s); loc != nil {
			return rd.offset, loc, true
		}
	}
	return 0, nil, false
}

type qualifier int

const (
	qualNone qualifier = iota
	qualThis
	qualNext
)

var (
	enWeekday = regexp.MustCompile(`\b(?:(this|next)\s+(?:week(?:'s)?\s+)?)?(monday|mon|tuesday|tues|tue|wednesday|wed|thursday|thurs|thur|thu|friday|fri|saturday|sat|sunday|sun)(?:\s+(?:of\s+)?(this|next)\s+week)?\b`)
	koWeekday = regexp.MustCompile(`(?:(이번\s*주|다음\s*주|담주)\s*)?(월|화|수|목|금|토|일)요일`)
)

var enWeekdays = map[string]time.Weekday{
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tues": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thurs": time.Thursday, "thur": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
	"sunday": time.Sunday, "sun": time.Sunday,
}

var koWeekdays = map[string]time.Weekday{
	"월": time.Monday, "화": time.Tuesday, "수": time.Wednesday, "목": time.Thursday,
	"금": time.Friday, "토": time.Saturday, "일": time.Sunday,
}

func matchWeekday(s string) (time.Weekday, qualifier, []int, bool) {
	if m := enWeekday.FindStringSubmatchIndex(s); m != nil {
		q := qualNone
		for _, g := range []int{2, 6} {
			if m[g] >= 0 {
				q = parseQualifier(s[m[g]:m[g+1]])
			}
		}
		return enWeekdays[s[m[4]:m[5]]], q, m[:2], true
	}
	if m := koWeekday.FindStringSubmatchIndex(s); m != nil {
		q := qualNone
		if m[2] >= 0 {
			q = parseQualifier(s[m[2]:m[3]])
		}
		return koWeekdays[s[m[4]:m[5]]], q, m[:2], true
	}
	return 0, qualNone, nil, false
}

func parseQualifier(s string) qualifier {
	s = strings.ReplaceAll(s, " ", "")
	switch s {
	case "this", "이번주":
		return qualThis
	case "next", "다음주", "담주":
		return qualNext
	}
	return qualNone
}

// resolveWeekday picks the date for wd relative to day. Weeks start on
// Monday: "this" stays in day's week, "next" moves to the following week
// even when wd has not passed yet, and a bare weekday is the nearest future
// occurrence (a week ahead when wd is today).
func resolveWeekday(day time.Time, wd time.Weekday, q qualifier) time.Time {
	offset := mondayIndex(wd) - mondayIndex(day.Weekday())
	switch q {
	case qualThis:
		return day.AddDate(0, 0, offset)
	case qualNext:
		return day.AddDate(0, 0, offset+7)
	}
	ahead := (int(wd) - int(day.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	return day.AddDate(0, 0, ahead)
}

func mondayIndex(w time.Weekday) int { return (int(w) + 6) % 7 }

var (
	enClock = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)?$`)
	koClock = regexp.MustCompile(`^(오전|오후|아침|낮|저녁|밤)?\s*(\d{1,2})시(?:\s*(?:(\d{1,2})분|(반)))?$`)
)

// parseClock reads a bare time of day. A number without a colon or
// meridiem ("at 3") is ambiguous and rejected.
func parseClock(s string) (domain.TimeOfDay, bool) {
	switch s {
	case "noon", "midday", "정오":
		return domain.TimeOfDay{Hour: 12}, true
	case "midnight", "자정":
		return domain.TimeOfDay{}, true
	}

	if m := enClock.FindStringSubmatch(s); m != nil {
		if m[2] == "" && m[3] == "" {
			return domain.TimeOfDay{}, false
		}
		h, _ := strconv.Atoi(m[1])
		min := 0
		if m[2] != "" {
			min, _ = strconv.Atoi(m[2])
		}
		if min > 59 {
			return domain.TimeOfDay{}, false
		}
		switch strings.ReplaceAll(m[3], ".", "") {
		case "am":
			if h < 1 || h > 12 {
				return domain.TimeOfDay{}, false
			}
			if h == 12 {
				h = 0
			}
		case "pm":
			if h < 1 || h > 12 {
				return domain.TimeOfDay{}, false
			}
			if h != 12 {
				h += 12
			}
		default:
			if h > 23 {
				return domain.TimeOfDay{}, false
			}
		}
		return domain.TimeOfDay{Hour: h, Minute: min}, true
	}

	if m := koClock.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[2])
		min := 0
		if m[3] != "" {
			min, _ = strconv.Atoi(m[3])
		} else if m[4] != "" {
			min = 30
		}
		if h > 23 || min > 59 {
			return domain.TimeOfDay{}, false
		}
		switch m[1] {
		case "오후", "저녁", "밤", "낮":
			if h < 12 {
				h += 12
			}
		case "오전", "아침":
			if h == 12 {
				h = 0
			}
		}
		return domain.TimeOfDay{Hour: h, Minute: min}, true
	}
	return domain.TimeOfDay{}, false
}

var spaces = regexp.MustCompile(`\s+`)

func normalize(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(strings.ToLower(s), " "))
}

func cut(s string, span []int) string {
	return s[:span[0]] + " " + s[span[1]:]
}

var (
	leadingFiller  = regexp.MustCompile(`^(?:at|on|by|around|,)\s+`)
	trailingFiller = regexp.MustCompile(`(?:\s*,|\s*에|\s*까지|\s*쯤|(?:^|\s+)(?:on|at|by))$`)
)

func trimFiller(s string) string {
	s = normalize(s)
	for {
		next := trailingFiller.ReplaceAllString(leadingFiller.ReplaceAllString(s, ""), "")
		next = strings.TrimSpace(strings.Trim(next, ","))
		if next == s {
			return s
		}
		s = next
	}
}
