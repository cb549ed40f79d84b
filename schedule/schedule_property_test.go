package schedule

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Periodicities survive a format/parse round trip through a schedule string.
func TestProperty_PeriodicityRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	units := []time.Duration{time.Second, time.Minute, time.Hour, 24 * time.Hour}

	properties.Property("formatted periodicity parses back to the same duration", prop.ForAll(
		func(n int, unitIndex int) bool {
			want := time.Duration(n) * units[unitIndex]
			s, err := Parse("now||" + FormatPeriodicity(want))
			if err != nil {
				t.Logf("parse failed: %v", err)
				return false
			}
			return s.Periodicity == want && !s.Stream && !s.Once()
		},
		gen.IntRange(1, 10000),
		gen.IntRange(0, len(units)-1),
	))

	properties.Property("millisecond periodicities round trip as fractional seconds", prop.ForAll(
		func(ms int) bool {
			want := time.Duration(ms) * time.Millisecond
			got, err := ParsePeriodicity(FormatPeriodicity(want))
			if err != nil {
				t.Logf("parse failed: %v", err)
				return false
			}
			return got == want
		},
		gen.IntRange(1, 100000),
	))

	properties.Property("absolute windows keep start before stop", prop.ForAll(
		func(offsetMinutes int, lengthMinutes int) bool {
			base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.Local)
			start := base.Add(time.Duration(offsetMinutes) * time.Minute)
			stop := start.Add(time.Duration(lengthMinutes) * time.Minute)
			raw := start.Format("2006-01-02T15:04:05") + "|" + stop.Format("2006-01-02T15:04:05") + "|1m"

			s, err := Parse(raw)
			if err != nil {
				t.Logf("parse failed: %v", err)
				return false
			}
			return s.Start.Equal(start) && s.Stop.Equal(stop) && !s.Expired(start)
		},
		gen.IntRange(0, 60*24*365),
		gen.IntRange(1, 60*24),
	))

	properties.TestingRun(t)
}
