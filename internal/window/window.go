// Package window answers which automation windows are active at an instant.
// Windows are local time-of-day intervals measured in minutes from midnight.
package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"outreach/internal/model"
)

// TimeOfDay is minutes since local midnight, 0..1439.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM". "24:00" is accepted as midnight.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("time of day %q: %w", s, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("time of day %q: %w", s, err)
	}
	if h == 24 && m == 0 {
		return 0, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// At returns the time of day of t in its own location.
func At(t time.Time) TimeOfDay { return TimeOfDay(t.Hour()*60 + t.Minute()) }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60) }

// Window is [Start, End). End before Start wraps midnight; Start == End is always active.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Parse parses "HH:MM-HH:MM".
func Parse(s string) (Window, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Window{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	start, err := ParseTimeOfDay(a)
	if err != nil {
		return Window{}, err
	}
	end, err := ParseTimeOfDay(b)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: start, End: end}, nil
}

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }

// Contains reports whether the time of day falls inside w.
func (w Window) Contains(m TimeOfDay) bool {
	switch {
	case w.Start == w.End:
		return true
	case w.Start < w.End:
		return m >= w.Start && m < w.End
	default:
		return m >= w.Start || m < w.End
	}
}

// IsWithin reports whether now falls inside w, using now's location.
func IsWithin(w Window, now time.Time) bool { return w.Contains(At(now)) }

// Set is a union of windows. The empty set is never active.
type Set []Window

// ParseSet parses a comma separated list of windows.
func ParseSet(s string) (Set, error) {
	var out Set
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		w, err := Parse(part)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Active reports whether any window of the set contains now.
func (s Set) Active(now time.Time) bool {
	return s.index(now) >= 0
}

func (s Set) index(now time.Time) int {
	m := At(now)
	for i, w := range s {
		if w.Contains(m) {
			return i
		}
	}
	return -1
}

func (s Set) String() string {
	parts := make([]string, len(s))
	for i, w := range s {
		parts[i] = w.String()
	}
	return strings.Join(parts, ",")
}

// Oracle maps action kinds to their windows in one location.
// Friend request automation has no window; it starts daily at a clock time.
type Oracle struct {
	loc     *time.Location
	windows map[model.ActionKind]Set
	starts  map[model.ActionKind]TimeOfDay
}

// NewOracle builds an oracle. A nil location means time.Local.
func NewOracle(loc *time.Location, windows map[model.ActionKind]Set, starts map[model.ActionKind]TimeOfDay) *Oracle {
	if loc == nil {
		loc = time.Local
	}
	o := &Oracle{
		loc:     loc,
		windows: make(map[model.ActionKind]Set, len(windows)),
		starts:  make(map[model.ActionKind]TimeOfDay, len(starts)),
	}
	for k, v := range windows {
		o.windows[k] = v
	}
	for k, v := range starts {
		o.starts[k] = v
	}
	return o
}

// Location returns the oracle's location.
func (o *Oracle) Location() *time.Location { return o.loc }

// Windows returns the configured window set of a kind.
func (o *Oracle) Windows(kind model.ActionKind) Set { return o.windows[kind] }

// DefaultStart returns the configured daily start time of a kind, if any.
func (o *Oracle) DefaultStart(kind model.ActionKind) (TimeOfDay, bool) {
	t, ok := o.starts[kind]
	return t, ok
}

// Within reports whether now falls inside one of kind's windows.
func (o *Oracle) Within(kind model.ActionKind, now time.Time) bool {
	return o.windows[kind].Active(now.In(o.loc))
}

// Runnable reports whether automatic mode for kind may execute at now.
// start overrides the configured daily start time for start-time kinds.
func (o *Oracle) Runnable(kind model.ActionKind, now time.Time, start *TimeOfDay) bool {
	local := now.In(o.loc)
	if st, ok := o.starts[kind]; ok || start != nil {
		if start != nil {
			st = *start
		}
		return At(local) >= st
	}
	return o.windows[kind].Active(local)
}

// ActiveNames lists "kind" or "kind#n" for every window containing now.
func (o *Oracle) ActiveNames(now time.Time) []string {
	local := now.In(o.loc)
	var names []string
	for _, kind := range model.ActionKinds {
		set := o.windows[kind]
		m := At(local)
		for i, w := range set {
			if !w.Contains(m) {
				continue
			}
			if len(set) == 1 {
				names = append(names, string(kind))
			} else {
				names = append(names, fmt.Sprintf("%s#%d", kind, i+1))
			}
		}
	}
	return names
}
