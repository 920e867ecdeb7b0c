package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/paulschiretz/pgl-dbbackup/pkg/cronjob"
	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
)

// RunCron reports whether a schedule matches a point in time, and optionally
// lists the next run times.
//
// The verdict comes from the literal matcher: every field is '*' or a number.
// Schedules using ranges, lists or steps are still valid for --next.
func RunCron(flagMap map[string]interface{}, out io.Writer) error {
	expr, _ := flagMap["crontime"].(string)
	if expr == "" {
		return fmt.Errorf("the --crontime flag is required for the cron command")
	}

	at := now()
	if s, _ := flagMap["at"].(string); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid --at value %q: %w", s, err)
		}
		at = t
	}
	next, _ := flagMap["next"].(int)

	matched, matchErr := cronjob.Matches(expr, at)
	if matchErr != nil && (next == 0 || cronjob.Validate(expr) != nil) {
		return matchErr
	}
	if matchErr == nil {
		verdict := "does not match"
		if matched {
			verdict = "matches"
		}
		fmt.Fprintf(out, "%q %s %s\n", expr, verdict, at.Format(time.RFC3339))
	} else {
		plog.Warn("Schedule can only be checked for next runs", "schedule", expr, "reason", matchErr)
	}

	if next > 0 {
		runs, err := cronjob.NextRuns(expr, at, next)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintf(out, "next: %s\n", r.Format(time.RFC3339))
		}
	}
	return nil
}
