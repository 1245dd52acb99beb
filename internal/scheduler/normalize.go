package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/hookflow/pkg/schema"
)

// shorthands are the schedule tokens accepted in place of a cron expression.
var shorthands = map[string]string{
	"1":    "* * * * *",
	"11":   "0 * * * *",
	"111":  "0 0 * * *",
	"1111": "0 0 * * 1",
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Normalize expands shorthand tokens, drops a leading seconds field from
// 6-field expressions and validates the result as a 5-field expression.
// Descriptors are accepted; @every must be whole minutes.
func Normalize(schedule string) (string, error) {
	s := strings.Join(strings.Fields(schedule), " ")
	if s == "" {
		return "", schema.NewError(schema.ErrCodeInvalidSchedule, "schedule is empty")
	}
	if expanded, ok := shorthands[s]; ok {
		s = expanded
	}
	if strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=") {
		return "", schema.NewErrorf(schema.ErrCodeInvalidSchedule, "schedule %q: set the timezone separately", schedule)
	}
	if fields := strings.Fields(s); len(fields) == 6 {
		s = strings.Join(fields[1:], " ")
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInvalidSchedule, "invalid schedule %q: %s", schedule, err.Error()).WithCause(err)
	}
	if every, ok := sched.(cron.ConstantDelaySchedule); ok && (every.Delay < time.Minute || every.Delay%time.Minute != 0) {
		return "", schema.NewErrorf(schema.ErrCodeInvalidSchedule, "invalid schedule %q: @every needs a whole number of minutes", schedule)
	}
	return s, nil
}

// CheckTimezone validates an IANA timezone name. Empty means UTC.
func CheckTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidSchedule, "invalid timezone %q", tz).WithCause(err)
	}
	return nil
}

// CheckSchedule validates a schedule and timezone pair.
func CheckSchedule(schedule, tz string) error {
	if _, err := Normalize(schedule); err != nil {
		return err
	}
	return CheckTimezone(tz)
}

// withTimezone prefixes expr with CRON_TZ when tz is set.
func withTimezone(expr, tz string) string {
	if tz == "" {
		return expr
	}
	return "CRON_TZ=" + tz + " " + expr
}

// NextRun computes the next fire time after from.
func NextRun(expr, tz string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(withTimezone(expr, tz))
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
