package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes which schedule variant a Spec carries.
type Kind int

const (
	KindImmediate Kind = iota
	KindInterval
	KindOneTime
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindInterval:
		return "interval"
	case KindOneTime:
		return "one-time"
	case KindCron:
		return "cron"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KindFromString parses the stored schedule kind back into a Kind.
func KindFromString(s string) (Kind, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "immediate":
		return KindImmediate, nil
	case "interval":
		return KindInterval, nil
	case "one-time", "onetime":
		return KindOneTime, nil
	case "cron":
		return KindCron, nil
	default:
		return 0, fmt.Errorf("unknown schedule kind %q", s)
	}
}

// CronFields holds the five standard crontab fields.
// Each field is "*", a value, or a comma/range/step list per crontab(5).
type CronFields struct {
	Minute  string
	Hour    string
	Day     string
	Month   string
	Weekday string
}

// Expr joins the fields into a single 5-field cron expression.
func (c CronFields) Expr() string {
	f := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return "*"
		}
		return s
	}
	return strings.Join([]string{f(c.Minute), f(c.Hour), f(c.Day), f(c.Month), f(c.Weekday)}, " ")
}

// Spec is a tagged union of the four schedule variants.
// Exactly one variant is meaningful, selected by Kind.
type Spec struct {
	Kind  Kind
	Every time.Duration // KindInterval
	At    time.Time     // KindOneTime
	Cron  CronFields    // KindCron
}

// cronParser accepts the standard 5-field crontab syntax.
// Day-of-month and day-of-week are OR'd when both are restricted,
// which is what robfig/cron implements.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate rejects malformed specs. It is called once at task
// creation/update; Next never re-validates.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindImmediate:
		return nil
	case KindInterval:
		if s.Every <= 0 {
			return fmt.Errorf("interval schedule: period must be > 0 (got %s)", s.Every)
		}
		return nil
	case KindOneTime:
		if s.At.IsZero() {
			return fmt.Errorf("one-time schedule: run time required")
		}
		return nil
	case KindCron:
		expr := s.Cron.Expr()
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("cron schedule %q: %w", expr, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %d", int(s.Kind))
	}
}

// Next computes the next fire time for a spec.
//
// last is the previous fire time; pass the zero time when the task has
// never fired. The second return is false when the schedule is exhausted
// (one-shot variants after their single fire).
//
// Next is pure: no side effects, deterministic given its inputs.
func Next(s Spec, now time.Time, last time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindImmediate:
		if !last.IsZero() {
			return time.Time{}, false
		}
		return now, true
	case KindInterval:
		if s.Every <= 0 {
			return time.Time{}, false
		}
		if last.IsZero() {
			return now, true
		}
		return last.Add(s.Every), true
	case KindOneTime:
		if !last.IsZero() {
			return time.Time{}, false
		}
		// A past run time is still returned as-is; the scheduler's
		// misfire policy decides whether it fires now or is skipped.
		return s.At, true
	case KindCron:
		sched, err := cronParser.Parse(s.Cron.Expr())
		if err != nil {
			// Specs are validated at creation; an invalid spec here means
			// stored state predates validation. Treat as exhausted.
			return time.Time{}, false
		}
		n := sched.Next(now)
		if n.IsZero() {
			return time.Time{}, false
		}
		return n, true
	default:
		return time.Time{}, false
	}
}
