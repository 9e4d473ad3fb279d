package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Slot is one time-of-day at which posting is permitted.
type Slot struct {
	Hour   int
	Minute int
}

func (s Slot) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

func (s Slot) minuteOfDay() int { return s.Hour*60 + s.Minute }

// Table is an immutable ordered slot timetable in a fixed timezone.
type Table struct {
	loc   *time.Location
	slots []Slot
}

// New builds a table from "HH:MM" strings. Slots are sorted ascending and
// must be unique; at least one slot is required.
func New(timezone string, slots []string) (*Table, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(timezone))
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	if len(slots) == 0 {
		return nil, errors.New("at least one slot is required")
	}
	parsed := make([]Slot, 0, len(slots))
	for _, raw := range slots {
		h, m, err := ParseHHMM(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, Slot{Hour: h, Minute: m})
	}
	sort.Slice(parsed, func(i, j int) bool {
		return parsed[i].minuteOfDay() < parsed[j].minuteOfDay()
	})
	for i := 1; i < len(parsed); i++ {
		if parsed[i].minuteOfDay() == parsed[i-1].minuteOfDay() {
			return nil, fmt.Errorf("duplicate slot %s", parsed[i])
		}
	}
	return &Table{loc: loc, slots: parsed}, nil
}

func (t *Table) Location() *time.Location { return t.loc }

// Slots returns a copy of the timetable in ascending order.
func (t *Table) Slots() []Slot {
	out := make([]Slot, len(t.slots))
	copy(out, t.slots)
	return out
}

func (t *Table) Len() int { return len(t.slots) }

func (t *Table) String() string {
	parts := make([]string, len(t.slots))
	for i, s := range t.slots {
		parts[i] = s.String()
	}
	return strings.Join(parts, ", ")
}

// at materializes slot s on the calendar day of day (in the table zone).
func (t *Table) at(day time.Time, s Slot) time.Time {
	y, m, d := day.In(t.loc).Date()
	return time.Date(y, m, d, s.Hour, s.Minute, 0, 0, t.loc)
}

// NextSlot returns the earliest slot strictly later than after.
//
// The boundary is exclusive: an instant exactly on a slot maps to the next
// one. When no slot of after's day qualifies, the first slot of the next
// day is returned, so NextSlot(x) > x for every x.
func (t *Table) NextSlot(after time.Time) time.Time {
	after = after.In(t.loc)
	for _, s := range t.slots {
		if cand := t.at(after, s); cand.After(after) {
			return cand
		}
	}
	return t.at(after.AddDate(0, 0, 1), t.slots[0])
}

// Assignment pairs an item id with its target timestamp.
type Assignment struct {
	ID int64
	At time.Time
}

// AssignRange produces one timestamp per id in [startID, endID], all on
// baseDate's calendar day, cycling the timetable by position mod N.
//
// Collisions with existing schedules are intentionally possible here; the
// operation is an explicit bulk override.
func (t *Table) AssignRange(startID, endID int64, baseDate time.Time) ([]Assignment, error) {
	if startID <= 0 || endID <= 0 {
		return nil, errors.New("ids must be positive")
	}
	if endID < startID {
		return nil, fmt.Errorf("invalid id range %d-%d", startID, endID)
	}
	n := len(t.slots)
	out := make([]Assignment, 0, endID-startID+1)
	for i, id := 0, startID; id <= endID; i, id = i+1, id+1 {
		out = append(out, Assignment{ID: id, At: t.at(baseDate, t.slots[i%n])})
	}
	return out, nil
}

// OnDay returns the given time-of-day on today's calendar date (in the
// table zone). Used by single-item reschedules.
func (t *Table) OnDay(now time.Time, hour, minute int) time.Time {
	y, m, d := now.In(t.loc).Date()
	return time.Date(y, m, d, hour, minute, 0, 0, t.loc)
}

// ParseDate parses a "YYYY-MM-DD" calendar date in the table zone.
func (t *Table) ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), t.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

// ParseHHMM parses a 24h "HH:MM" time-of-day.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
