// Package cronjob writes cron.d entries and evaluates simple cron schedules.
//
// Schedule is a membership predicate: each field is either "*" or a single
// literal. Full cron syntax (ranges, lists, steps) is only validated through
// Validate and NextRuns, which delegate to robfig/cron.
package cronjob

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedSchedule is returned for expressions that are not five valid fields.
var ErrMalformedSchedule = errors.New("malformed cron schedule")

// Wildcard marks a field that matches any value.
const Wildcard = -1

// Field indexes in a Schedule.
const (
	FieldMinute = iota
	FieldHour
	FieldDayOfMonth
	FieldMonth
	FieldDayOfWeek
	fieldCount
)

var fieldNames = [fieldCount]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

var fieldBounds = [fieldCount][2]int{
	{0, 59},
	{0, 23},
	{1, 31},
	{1, 12},
	{0, 7},
}

// Schedule is a parsed five-field expression. Values are literals or Wildcard.
// Day-of-week is stored ISO style, Sunday is 7.
type Schedule struct {
	expr   string
	fields [fieldCount]int
}

// Parse reads a five-field expression made of "*" and integer literals.
func Parse(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != fieldCount {
		return Schedule{}, fmt.Errorf("%w: expected %d fields, got %d in %q", ErrMalformedSchedule, fieldCount, len(parts), expr)
	}

	s := Schedule{expr: strings.Join(parts, " ")}
	for i, p := range parts {
		if p == "*" {
			s.fields[i] = Wildcard
			continue
		}
		// Atoi would also take a sign.
		if p[0] < '0' || p[0] > '9' {
			return Schedule{}, fmt.Errorf("%w: %s field %q is neither '*' nor an integer", ErrMalformedSchedule, fieldNames[i], p)
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %s field %q is neither '*' nor an integer", ErrMalformedSchedule, fieldNames[i], p)
		}
		if v < fieldBounds[i][0] || v > fieldBounds[i][1] {
			return Schedule{}, fmt.Errorf("%w: %s field %d out of range %d-%d", ErrMalformedSchedule, fieldNames[i], v, fieldBounds[i][0], fieldBounds[i][1])
		}
		if i == FieldDayOfWeek && v == 0 {
			v = 7
		}
		s.fields[i] = v
	}
	return s, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Field returns the literal value of field i, or Wildcard.
func (s Schedule) Field(i int) int {
	return s.fields[i]
}

// String returns the expression with normalized single spacing.
func (s Schedule) String() string {
	return s.expr
}

// Matches reports whether every non-wildcard field equals the corresponding
// component of t (in t's location).
func (s Schedule) Matches(t time.Time) bool {
	actual := timeFields(t)
	for i, want := range s.fields {
		if want != Wildcard && want != actual[i] {
			return false
		}
	}
	return true
}

// Matches parses expr and evaluates it against t.
func Matches(expr string, t time.Time) (bool, error) {
	s, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return s.Matches(t), nil
}

func timeFields(t time.Time) [fieldCount]int {
	dow := int(t.Weekday())
	if dow == 0 {
		dow = 7
	}
	return [fieldCount]int{t.Minute(), t.Hour(), t.Day(), int(t.Month()), dow}
}
