package cronjob

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks expr against full cron syntax (ranges, lists, steps, names),
// which is what the cron daemon will accept from an installed file.
func Validate(expr string) error {
	_, err := parseStandard(expr)
	return err
}

// NextRuns returns the next n activation times after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := parseStandard(expr)
	if err != nil {
		return nil, err
	}
	runs := make([]time.Time, 0, n)
	next := from
	for i := 0; i < n; i++ {
		next = sched.Next(next)
		if next.IsZero() {
			break
		}
		runs = append(runs, next)
	}
	return runs, nil
}

func parseStandard(expr string) (cron.Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != fieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d in %q", ErrMalformedSchedule, fieldCount, len(parts), expr)
	}
	// cron(8) accepts 7 for Sunday, the parser only knows 0-6.
	if parts[FieldDayOfWeek] == "7" {
		parts[FieldDayOfWeek] = "0"
	}
	sched, err := standardParser.Parse(strings.Join(parts, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSchedule, err)
	}
	return sched, nil
}
