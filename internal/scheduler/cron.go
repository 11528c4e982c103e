package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression: minute, hour, day-of-month,
// month, day-of-week. Fields support *, lists, ranges, and steps.
type Schedule struct {
	minutes map[int]bool
	hours   map[int]bool
	dom     map[int]bool
	months  map[int]bool
	dow     map[int]bool

	domStar bool
	dowStar bool
}

type cronField struct {
	name string
	min  int
	max  int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron parses a standard numeric 5-field cron expression.
func ParseCron(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("scheduler: cron %q must have 5 fields, got %d", expr, len(parts))
	}

	sets := make([]map[int]bool, 5)
	for i, part := range parts {
		set, err := parseField(part, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("scheduler: cron %q: %w", expr, err)
		}
		sets[i] = set
	}
	return &Schedule{
		minutes: sets[0],
		hours:   sets[1],
		dom:     sets[2],
		months:  sets[3],
		dow:     sets[4],
		domStar: parts[2] == "*",
		dowStar: parts[4] == "*",
	}, nil
}

// parseField expands one field: lists of atoms, each an integer, a range,
// a star, optionally with a /step.
func parseField(field string, spec cronField) (map[int]bool, error) {
	set := map[int]bool{}
	for _, atom := range strings.Split(field, ",") {
		base := atom
		step := 1
		if idx := strings.Index(atom, "/"); idx >= 0 {
			base = atom[:idx]
			var err error
			step, err = strconv.Atoi(atom[idx+1:])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("%s: bad step %q", spec.name, atom)
			}
		}

		lo, hi := spec.min, spec.max
		switch {
		case base == "*":
			// full range
		case strings.Contains(base, "-"):
			bounds := strings.SplitN(base, "-", 2)
			var err1, err2 error
			lo, err1 = strconv.Atoi(bounds[0])
			hi, err2 = strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || lo > hi {
				return nil, fmt.Errorf("%s: bad range %q", spec.name, atom)
			}
		default:
			v, err := strconv.Atoi(base)
			if err != nil {
				return nil, fmt.Errorf("%s: bad value %q", spec.name, atom)
			}
			lo, hi = v, v
		}

		if lo < spec.min || hi > spec.max {
			return nil, fmt.Errorf("%s: %q out of range %d-%d", spec.name, atom, spec.min, spec.max)
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	return set, nil
}

// Matches reports whether the schedule fires at t (minute precision).
// Standard cron semantics: when both day fields are restricted, either
// matching suffices.
func (s *Schedule) Matches(t time.Time) bool {
	if !s.minutes[t.Minute()] || !s.hours[t.Hour()] || !s.months[int(t.Month())] {
		return false
	}
	domOK := s.dom[t.Day()]
	dowOK := s.dow[int(t.Weekday())]
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Next returns the first firing time strictly after t, or the zero time if
// none exists within four years (an impossible date like Feb 30).
func (s *Schedule) Next(t time.Time) time.Time {
	cursor := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)
	for cursor.Before(limit) {
		if s.Matches(cursor) {
			return cursor
		}
		cursor = cursor.Add(time.Minute)
	}
	return time.Time{}
}
