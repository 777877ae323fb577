// Package dateparse turns the date expressions accepted on the command line
// into absolute times.
package dateparse

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const absoluteLayout = "2006-01-02T15:04:05"

var ErrInvalidDate = errors.New("invalid date expression")

type Error struct {
	Expr string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %q", ErrInvalidDate, e.Expr)
}

func (e *Error) Unwrap() error {
	return ErrInvalidDate
}

// Order matters: "min" has to be tried before "s".
var units = []struct {
	suffix string
	unit   time.Duration
}{
	{"h", time.Hour},
	{"min", time.Minute},
	{"s", time.Second},
	{"d", 24 * time.Hour},
}

// Parse resolves expr relative to now. Accepted forms, tried in order:
// 2006-01-02T15:04:05 (in now's location), epoch seconds, "now", and a
// signed offset such as -1h, 30min, -10s or 2d.
func Parse(expr string, now time.Time) (time.Time, error) {
	value := strings.TrimSpace(expr)
	if value == "" {
		return time.Time{}, &Error{Expr: expr}
	}

	if t, err := time.ParseInLocation(absoluteLayout, value, now.Location()); err == nil {
		return t, nil
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(seconds) || math.Abs(seconds) >= math.MaxInt64 {
			return time.Time{}, &Error{Expr: expr}
		}
		whole, frac := math.Modf(seconds)
		return time.Unix(int64(whole), int64(frac*1e9)).In(now.Location()), nil
	}

	if value == "now" {
		return now, nil
	}

	if offset, ok := parseOffset(value); ok {
		return now.Add(offset), nil
	}

	return time.Time{}, &Error{Expr: expr}
}

func parseOffset(value string) (time.Duration, bool) {
	sign := time.Duration(1)
	if strings.HasPrefix(value, "-") {
		sign = -1
		value = value[1:]
	}

	for _, u := range units {
		if !strings.HasSuffix(value, u.suffix) {
			continue
		}
		digits := strings.TrimSuffix(value, u.suffix)
		if digits == "" || strings.ContainsAny(digits, "+-") {
			return 0, false
		}
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil || n > math.MaxInt64/int64(u.unit) {
			return 0, false
		}
		return sign * time.Duration(n) * u.unit, true
	}
	return 0, false
}
