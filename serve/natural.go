package serve

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Natural-language schedule aliases resolved once at registration.
// The resolved cron expression is what gets persisted and displayed.
var fixedAliases = map[string]string{
	"hourly":        "0 * * * *",
	"every hour":    "0 * * * *",
	"daily":         "0 9 * * *",
	"every day":     "0 9 * * *",
	"weekly":        "0 9 * * 1",
	"every week":    "0 9 * * 1",
	"monthly":       "0 9 1 * *",
	"every minute":  "* * * * *",
	"every weekday": "0 9 * * 1-5",
}

var (
	everyNUnits   = regexp.MustCompile(`^every (\d+) (minute|minutes|hour|hours)$`)
	unitsAtTime   = regexp.MustCompile(`^(daily|weekdays|weekends) at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	weekdayAtTime = regexp.MustCompile(`^every (monday|tuesday|wednesday|thursday|friday|saturday|sunday) at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

var weekdayNums = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

// naturalToCron resolves a natural-language schedule phrase to a
// 5-field cron expression. The second return is false when the phrase
// is not a recognized alias, in which case the input should be parsed
// as a cron expression directly.
func naturalToCron(phrase string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(phrase))
	p = strings.Join(strings.Fields(p), " ")

	if expr, ok := fixedAliases[p]; ok {
		return expr, true
	}

	if m := everyNUnits.FindStringSubmatch(p); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return "", false
		}
		if strings.HasPrefix(m[2], "minute") {
			return fmt.Sprintf("*/%d * * * *", n), true
		}
		return fmt.Sprintf("0 */%d * * *", n), true
	}

	if m := unitsAtTime.FindStringSubmatch(p); m != nil {
		hour, minute, ok := clockTime(m[2], m[3], m[4])
		if !ok {
			return "", false
		}
		dow := "*"
		switch m[1] {
		case "weekdays":
			dow = "1-5"
		case "weekends":
			dow = "0,6"
		}
		return fmt.Sprintf("%d %d * * %s", minute, hour, dow), true
	}

	if m := weekdayAtTime.FindStringSubmatch(p); m != nil {
		hour, minute, ok := clockTime(m[2], m[3], m[4])
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, weekdayNums[m[1]]), true
	}

	return "", false
}

// clockTime converts hour/minute/meridiem capture groups to 24h form.
func clockTime(hourStr, minuteStr, meridiem string) (hour, minute int, ok bool) {
	hour, err := strconv.Atoi(hourStr)
	if err != nil || hour > 23 {
		return 0, 0, false
	}
	if minuteStr != "" {
		minute, err = strconv.Atoi(minuteStr)
		if err != nil || minute > 59 {
			return 0, 0, false
		}
	}
	switch meridiem {
	case "pm":
		if hour > 12 {
			return 0, 0, false
		}
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour > 12 {
			return 0, 0, false
		}
		if hour == 12 {
			hour = 0
		}
	}
	return hour, minute, true
}
