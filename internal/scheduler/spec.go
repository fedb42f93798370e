package scheduler

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec is returned for schedule specs that cannot be parsed.
var ErrInvalidSpec = errors.New("invalid schedule")

const usageHint = "use 'every 30min', 'daily 10:30', '2:15pm', 'once 9am' or 'cron 0 9 * * 1-5'"

// Kind identifies how a task recurs.
type Kind int

const (
	KindInterval Kind = iota
	KindDaily
	KindOnce
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindDaily:
		return "daily"
	case KindOnce:
		return "once"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Spec is a parsed schedule.
type Spec struct {
	// Raw is the spec as written by the user.
	Raw  string
	Kind Kind

	// Interval is set for KindInterval.
	Interval time.Duration

	// Hour and Minute are set for KindDaily and KindOnce.
	Hour   int
	Minute int

	schedule cron.Schedule
}

var (
	intervalRe = regexp.MustCompile(`^every\s+(\d+)\s*([a-z]+)$`)
	timeRe     = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

var intervalUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hour": time.Hour, "hours": time.Hour,
}

// ParseSpec parses a schedule spec. Matching is case-insensitive and
// ignores surrounding whitespace.
//
// Accepted forms:
//
//	every <N><unit>     every 30min, every 2 hours, every 45s
//	daily <time>        daily 10:30, daily 9pm
//	<time>              2:15pm, 14:00 (needs a colon or am/pm)
//	once <time>         once 9am, at 17:45
//	cron <expr>         cron 0 9 * * 1-5
func ParseSpec(raw string) (Spec, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	spec := Spec{Raw: strings.TrimSpace(raw)}

	switch {
	case strings.HasPrefix(s, "every "):
		m := intervalRe.FindStringSubmatch(s)
		if m == nil {
			return Spec{}, invalid(raw)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return Spec{}, invalid(raw)
		}
		unit, ok := intervalUnits[m[2]]
		if !ok || int64(n) > math.MaxInt64/int64(unit) {
			return Spec{}, invalid(raw)
		}
		spec.Kind = KindInterval
		spec.Interval = time.Duration(n) * unit
		return spec, nil

	case strings.HasPrefix(s, "cron "):
		sched, err := cron.ParseStandard(strings.TrimSpace(spec.Raw[len("cron "):]))
		if err != nil {
			return Spec{}, fmt.Errorf("%w %q: %v", ErrInvalidSpec, raw, err)
		}
		spec.Kind = KindCron
		spec.schedule = sched
		return spec, nil
	}

	kind := KindDaily
	timePart := s
	switch {
	case strings.HasPrefix(s, "daily "):
		timePart = strings.TrimSpace(s[len("daily "):])
	case strings.HasPrefix(s, "once "):
		kind, timePart = KindOnce, strings.TrimSpace(s[len("once "):])
	case strings.HasPrefix(s, "at "):
		kind, timePart = KindOnce, strings.TrimSpace(s[len("at "):])
	default:
		if !strings.Contains(s, ":") && !strings.HasSuffix(s, "am") && !strings.HasSuffix(s, "pm") {
			return Spec{}, invalid(raw)
		}
	}

	hour, minute, ok := parseTimeOfDay(timePart)
	if !ok {
		return Spec{}, invalid(raw)
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return Spec{}, fmt.Errorf("%w %q: %v", ErrInvalidSpec, raw, err)
	}
	spec.Kind = kind
	spec.Hour = hour
	spec.Minute = minute
	spec.schedule = sched
	return spec, nil
}

// parseTimeOfDay parses H, H:MM, Ham, H:MMpm. 12am is midnight and 12pm is noon.
func parseTimeOfDay(s string) (hour, minute int, ok bool) {
	m := timeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return 0, 0, false
	}

	switch m[3] {
	case "":
		if hour > 23 {
			return 0, 0, false
		}
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		if hour == 12 {
			hour = 0
		}
		if m[3] == "pm" {
			hour += 12
		}
	}
	return hour, minute, true
}

func invalid(raw string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidSpec, strings.TrimSpace(raw), usageHint)
}

// Next returns the first run strictly after t. Interval specs are pinned to
// anchor so that runs never drift: the result is anchor + k*Interval for the
// smallest k >= 1 that lands after t. Calendar specs are evaluated in t's location.
func (s Spec) Next(anchor, t time.Time) time.Time {
	if s.Kind == KindInterval {
		if s.Interval <= 0 {
			return t
		}
		k := int64(1)
		if elapsed := t.Sub(anchor); elapsed >= 0 {
			k = int64(elapsed/s.Interval) + 1
		}
		return anchor.Add(time.Duration(k) * s.Interval)
	}
	if s.schedule == nil {
		return time.Time{}
	}
	return s.schedule.Next(t)
}

func (s Spec) String() string {
	return s.Raw
}
