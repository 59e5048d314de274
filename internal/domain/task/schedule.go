package task

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions (minute granularity).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFire computes when the task should fire next, evaluated at now in UTC.
// One-shot tasks fire immediately. Disabled or non-cron tasks never fire
// (nil, nil). Invalid cron expressions surface as an error.
func (t *Task) NextFire(now time.Time) (*time.Time, error) {
	if t.Kind == KindOneShot {
		fire := now.UTC()
		return &fire, nil
	}
	if !t.Enabled || t.Kind != KindCron {
		return nil, nil
	}

	sched, err := cronParser.Parse(t.CronExpression)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", t.CronExpression, err)
	}

	fire := sched.Next(now.UTC())
	return &fire, nil
}

// ValidateCronExpression checks that expr parses as a 5-field cron expression.
func ValidateCronExpression(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return nil
}
