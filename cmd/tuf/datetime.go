package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// parseDatetime accepts either a full RFC 3339 timestamp or a shorthand like
// "in 7 days", grounded on original_source/tuftool/src/datetime.rs's
// parse_datetime.
func parseDatetime(input string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return t.UTC(), nil
	}

	parts := strings.Fields(input)
	if len(parts) != 3 {
		return time.Time{}, errors.Errorf("%q: expected RFC 3339, or something like 'in 7 days'", input)
	}
	prefix, countStr, unit := parts[0], parts[1], parts[2]
	if prefix != "in" {
		return time.Time{}, errors.Errorf("%q: expected RFC 3339, or prefix 'in', something like 'in 7 days'", input)
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "%q: invalid count", input)
	}

	var d time.Duration
	switch unit {
	case "hour", "hours":
		d = time.Duration(count) * time.Hour
	case "day", "days":
		d = time.Duration(count) * 24 * time.Hour
	case "week", "weeks":
		d = time.Duration(count) * 7 * 24 * time.Hour
	default:
		return time.Time{}, errors.Errorf("%q: unrecognized unit %q, expected hour(s)/day(s)/week(s)", input, unit)
	}
	return time.Now().UTC().Add(d), nil
}
