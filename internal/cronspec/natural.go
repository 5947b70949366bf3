package cronspec

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ParseNatural translates a human schedule phrase into a UTC 5-field cron
// expression. Because a user's "9 AM" is local, the hour/minute is converted
// from loc to UTC using the offset in effect on the evaluation date (DST
// offsets are date-dependent). Day-constrained patterns are rotated when the
// conversion crosses midnight.
//
// Input that already parses as a raw cron expression is returned unchanged.
// Unrecognized input yields ErrAmbiguous; callers must re-prompt the user.
func (e *Evaluator) ParseNatural(text string, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.UTC
	}
	raw := strings.TrimSpace(text)
	if raw == "" {
		return "", fmt.Errorf("%w: empty input", ErrAmbiguous)
	}

	// Idempotent passthrough for raw cron strings.
	if _, err := e.Schedule(raw); err == nil {
		return raw, nil
	}

	s := strings.ToLower(raw)
	s = strings.TrimSuffix(s, ".")
	s = regexp.MustCompile(`\s+`).ReplaceAllString(s, " ")

	if reEveryMinute.MatchString(s) {
		return "* * * * *", nil
	}
	if m := reEveryNMinutes.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 59 {
			return "", fmt.Errorf("%w: minute interval must be 1-59 (%q)", ErrAmbiguous, raw)
		}
		if n == 1 {
			return "* * * * *", nil
		}
		return fmt.Sprintf("*/%d * * * *", n), nil
	}
	if reHourly.MatchString(s) {
		return "0 * * * *", nil
	}
	if m := reEveryNHours.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 23 {
			return "", fmt.Errorf("%w: hour interval must be 1-23 (%q)", ErrAmbiguous, raw)
		}
		if n == 1 {
			return "0 * * * *", nil
		}
		return fmt.Sprintf("0 */%d * * *", n), nil
	}

	if m := reDaily.FindStringSubmatch(s); m != nil {
		lt, err := clockOrMidnight(m[1], m[2], m[3], raw)
		if err != nil {
			return "", err
		}
		h, mm, _ := e.toUTC(lt, loc)
		return fmt.Sprintf("%d %d * * *", mm, h), nil
	}
	if m := reAtTime.FindStringSubmatch(s); m != nil {
		lt, err := parseClock(m[1], m[2], m[3], raw)
		if err != nil {
			return "", err
		}
		h, mm, _ := e.toUTC(lt, loc)
		return fmt.Sprintf("%d %d * * *", mm, h), nil
	}

	if m := reWeekdays.FindStringSubmatch(s); m != nil {
		return e.dowExpr([]int{1, 2, 3, 4, 5}, m[1], m[2], m[3], loc, raw)
	}
	if m := reWeekends.FindStringSubmatch(s); m != nil {
		return e.dowExpr([]int{0, 6}, m[1], m[2], m[3], loc, raw)
	}
	if m := reWeeklyOn.FindStringSubmatch(s); m != nil {
		day, ok := weekdayNums[m[1]]
		if !ok {
			return "", fmt.Errorf("%w: unknown weekday in %q", ErrAmbiguous, raw)
		}
		return e.dowExpr([]int{day}, m[2], m[3], m[4], loc, raw)
	}
	if reWeekly.MatchString(s) {
		// Bare "weekly": Monday midnight local.
		return e.dowExpr([]int{1}, "", "", "", loc, raw)
	}

	if m := reMonthly.FindStringSubmatch(s); m != nil {
		dom := 1
		if m[1] != "" {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 1 || n > 31 {
				return "", fmt.Errorf("%w: day of month must be 1-31 (%q)", ErrAmbiguous, raw)
			}
			dom = n
		}
		lt, err := clockOrMidnight(m[2], m[3], m[4], raw)
		if err != nil {
			return "", err
		}
		h, mm, shift := e.toUTC(lt, loc)
		if shift != 0 {
			// A day-of-month schedule that crosses midnight in UTC has no
			// exact 5-field representation (month lengths vary). Refuse
			// rather than emit a schedule that fires on the wrong day.
			return "", fmt.Errorf("%w: %q crosses midnight in UTC and cannot be expressed as a monthly cron schedule; use an explicit cron expression", ErrAmbiguous, raw)
		}
		return fmt.Sprintf("%d %d %d * *", mm, h, dom), nil
	}

	return "", fmt.Errorf("%w: %q", ErrAmbiguous, raw)
}

const clockPattern = `(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`

var (
	reEveryMinute   = regexp.MustCompile(`^every minute$`)
	reEveryNMinutes = regexp.MustCompile(`^every (\d{1,2}) min(?:ute)?s?$`)
	reHourly        = regexp.MustCompile(`^(?:hourly|every hour)$`)
	reEveryNHours   = regexp.MustCompile(`^every (\d{1,2}) hours?$`)
	reDaily         = regexp.MustCompile(`^(?:daily|every day)(?: at ` + clockPattern + `)?$`)
	reAtTime        = regexp.MustCompile(`^at ` + clockPattern + `$`)
	reWeekdays      = regexp.MustCompile(`^(?:weekdays|every weekday)(?: at ` + clockPattern + `)?$`)
	reWeekends      = regexp.MustCompile(`^(?:weekends|every weekend)(?: at ` + clockPattern + `)?$`)
	reWeeklyOn      = regexp.MustCompile(`^(?:weekly on|every) (monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?(?: at ` + clockPattern + `)?$`)
	reWeekly        = regexp.MustCompile(`^(?:weekly|every week)$`)
	reMonthly       = regexp.MustCompile(`^monthly(?: on (?:the )?(\d{1,2})(?:st|nd|rd|th)?)?(?: at ` + clockPattern + `)?$`)
)

var weekdayNums = map[string]int{
	"sunday":    0,
	"monday":    1,
	"tuesday":   2,
	"wednesday": 3,
	"thursday":  4,
	"friday":    5,
	"saturday":  6,
}

type localClock struct {
	hour int
	min  int
}

func parseClock(hs, ms, ampm, raw string) (localClock, error) {
	h, err := strconv.Atoi(hs)
	if err != nil {
		return localClock{}, fmt.Errorf("%w: bad hour in %q", ErrAmbiguous, raw)
	}
	m := 0
	if ms != "" {
		m, err = strconv.Atoi(ms)
		if err != nil || m > 59 {
			return localClock{}, fmt.Errorf("%w: bad minutes in %q", ErrAmbiguous, raw)
		}
	}
	switch ampm {
	case "am":
		if h < 1 || h > 12 {
			return localClock{}, fmt.Errorf("%w: bad hour in %q", ErrAmbiguous, raw)
		}
		if h == 12 {
			h = 0
		}
	case "pm":
		if h < 1 || h > 12 {
			return localClock{}, fmt.Errorf("%w: bad hour in %q", ErrAmbiguous, raw)
		}
		if h != 12 {
			h += 12
		}
	default:
		if h > 23 {
			return localClock{}, fmt.Errorf("%w: bad hour in %q", ErrAmbiguous, raw)
		}
	}
	return localClock{hour: h, min: m}, nil
}

func clockOrMidnight(hs, ms, ampm, raw string) (localClock, error) {
	if hs == "" {
		return localClock{}, nil
	}
	return parseClock(hs, ms, ampm, raw)
}

// toUTC converts a local wall-clock time to UTC hour/minute on the evaluation
// date. dayShift reports whether the UTC instant falls on the previous (-1),
// same (0), or next (+1) calendar day relative to the local date.
func (e *Evaluator) toUTC(lt localClock, loc *time.Location) (hour, min, dayShift int) {
	nowLocal := e.now().In(loc)
	local := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), lt.hour, lt.min, 0, 0, loc)
	utc := local.UTC()

	ly, lm, ld := local.Date()
	uy, um, ud := utc.Date()
	localDate := time.Date(ly, lm, ld, 0, 0, 0, 0, time.UTC)
	utcDate := time.Date(uy, um, ud, 0, 0, 0, 0, time.UTC)
	dayShift = int(utcDate.Sub(localDate).Hours() / 24)

	return utc.Hour(), utc.Minute(), dayShift
}

func (e *Evaluator) dowExpr(days []int, hs, ms, ampm string, loc *time.Location, raw string) (string, error) {
	lt, err := clockOrMidnight(hs, ms, ampm, raw)
	if err != nil {
		return "", err
	}
	h, mm, shift := e.toUTC(lt, loc)

	shifted := make([]int, 0, len(days))
	for _, d := range days {
		shifted = append(shifted, ((d+shift)%7+7)%7)
	}
	sort.Ints(shifted)

	parts := make([]string, len(shifted))
	for i, d := range shifted {
		parts[i] = strconv.Itoa(d)
	}
	return fmt.Sprintf("%d %d * * %s", mm, h, strings.Join(parts, ",")), nil
}
