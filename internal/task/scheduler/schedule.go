package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// specParser accepts 5-field and 6-field (leading seconds) expressions as
// well as descriptors such as @hourly and @every.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule turns a configured schedule into a cron spec. Accepted:
//
//	"*/5 6-22 * * *", "@hourly", "@every 2m"  cron expression or descriptor
//	"1m", "90s"                               fixed interval
//	"00:05", "1:30"                           fixed interval as hours:minutes
//	"cron:<expr>", "every:<interval>"         force one interpretation
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("schedule is empty")
	}

	var spec string
	switch kind, rest, _ := strings.Cut(s, ":"); {
	case strings.EqualFold(kind, "cron"):
		spec = strings.TrimSpace(rest)
	case strings.EqualFold(kind, "every"), strings.EqualFold(kind, "interval"):
		d, err := parseEvery(rest)
		if err != nil {
			return "", err
		}
		spec = "@every " + d.String()
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		spec = s
	default:
		d, err := parseEvery(s)
		if err != nil {
			return "", fmt.Errorf("schedule %q is not a cron expression, HH:MM or duration", raw)
		}
		spec = "@every " + d.String()
	}

	if spec == "" {
		return "", fmt.Errorf("schedule %q: expression missing", raw)
	}
	if _, err := specParser.Parse(spec); err != nil {
		return "", fmt.Errorf("schedule %q: %w", raw, err)
	}
	return spec, nil
}

// parseEvery reads a positive interval written as a Go duration or H:MM.
func parseEvery(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if h, m, ok := strings.Cut(v, ":"); ok {
		hours, err1 := strconv.Atoi(h)
		mins, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || len(m) != 2 || hours < 0 || mins < 0 || mins > 59 {
			return 0, fmt.Errorf("interval %q: want H:MM", v)
		}
		d = time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("interval %q: %w", v, err)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", v)
	}
	return d, nil
}
