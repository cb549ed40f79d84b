package schedule

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/measurementplane/types"
)

const (
	// Now is the start token that means "when the specification arrives".
	Now = "now"
	// Stream is the mode token for continuous output.
	Stream = "stream"

	separator = "|"
)

var periodicityPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)([smhd])$`)

// isoLayouts are tried in order. Fractional seconds are accepted after any
// seconds field without an explicit layout.
var isoLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04Z07:00",
	"2006-01-02 15:04",
	"2006-01-02T15",
	"2006-01-02",
}

// Schedule is a parsed "start|stop|mode" string.
type Schedule struct {
	Start time.Time
	// Stop is zero when the measurement has no end time.
	Stop time.Time
	// Periodicity is zero for one-shot and streaming measurements.
	Periodicity time.Duration
	Stream      bool
}

// Once reports whether the measurement runs a single time.
func (s Schedule) Once() bool {
	return !s.Stream && s.Periodicity == 0
}

// HasStop reports whether an end time was given.
func (s Schedule) HasStop() bool {
	return !s.Stop.IsZero()
}

// Expired reports whether now is past the stop time.
func (s Schedule) Expired(now time.Time) bool {
	return s.HasStop() && now.After(s.Stop)
}

// Parse parses raw relative to the current time.
func Parse(raw string) (Schedule, error) {
	return ParseAt(raw, time.Now())
}

// ParseAt parses raw with now as the value of the "now" start token.
//
// Accepted forms:
//
//	now
//	now||30s
//	now||stream
//	2030-01-01T08:00:00|2030-01-01T20:00:00|1.5h
//
// Naive timestamps are interpreted in local time.
func ParseAt(raw string, now time.Time) (Schedule, error) {
	parts := strings.Split(raw, separator)
	if len(parts) > 3 {
		return Schedule{}, formatError(raw, "expected at most three segments (start|stop|mode)")
	}

	var s Schedule

	start := strings.TrimSpace(parts[0])
	if strings.EqualFold(start, Now) {
		s.Start = now
	} else {
		t, err := parseISO(start)
		if err != nil {
			return Schedule{}, formatError(raw, fmt.Sprintf("invalid start time %q", start)).WithCause(err)
		}
		s.Start = t
	}

	if len(parts) >= 2 {
		if stop := strings.TrimSpace(parts[1]); stop != "" {
			t, err := parseISO(stop)
			if err != nil {
				return Schedule{}, formatError(raw, fmt.Sprintf("invalid stop time %q", stop)).WithCause(err)
			}
			s.Stop = t
		}
	}

	if len(parts) == 3 {
		mode := strings.TrimSpace(parts[2])
		switch {
		case mode == "":
		case strings.EqualFold(mode, Stream):
			s.Stream = true
		default:
			d, err := ParsePeriodicity(mode)
			if err != nil {
				return Schedule{}, formatError(raw, err.Error())
			}
			s.Periodicity = d
		}
	}

	return s, nil
}

// ParsePeriodicity parses "<number><unit>" with unit one of s, m, h or d.
// The whole token must match; decimals such as "1.5h" are allowed.
func ParsePeriodicity(token string) (time.Duration, error) {
	m := periodicityPattern.FindStringSubmatch(strings.TrimSpace(token))
	if m == nil {
		return 0, fmt.Errorf("invalid periodicity %q", token)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid periodicity %q: %w", token, err)
	}

	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	d := time.Duration(math.Round(value * float64(unit)))
	if d <= 0 {
		return 0, fmt.Errorf("periodicity %q must be positive", token)
	}
	return d, nil
}

// FormatPeriodicity renders d in the largest unit that divides it exactly,
// falling back to fractional seconds.
func FormatPeriodicity(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
	}
}

// StripStream drops a trailing stream mode from raw, leaving start and stop
// untouched. Any other schedule is returned unchanged.
func StripStream(raw string) string {
	parts := strings.Split(raw, separator)
	if len(parts) == 3 && strings.EqualFold(strings.TrimSpace(parts[2]), Stream) {
		return strings.Join(parts[:2], separator)
	}
	return raw
}

func parseISO(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range isoLayouts {
		t, err := time.ParseInLocation(layout, value, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func formatError(raw, msg string) *types.Error {
	return types.NewError(types.ErrScheduleFormat, fmt.Sprintf("schedule %q: %s", raw, msg))
}
