package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule turns a schedule string into a cron.Schedule.
//
// Supported forms:
//   - cron: "*/5 * * * *", "*/10 * * * * *", "@hourly", "@every 30s"
//   - plain Go duration: "250ms", "2m" (fixed interval)
//
// The "cron:" and "every:" prefixes force one interpretation.
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}
	if sch, err := parseEvery(s); err == nil {
		return sch, nil
	}
	return nil, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or a duration like '500ms')", raw)
}

func parseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sch, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	return sch, nil
}

// parseEvery keeps sub-second precision, which cron.Every rounds away.
func parseEvery(v string) (cron.Schedule, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if d >= time.Second {
		return cron.Every(d), nil
	}
	return everySchedule(d), nil
}

type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }
