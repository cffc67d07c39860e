package executor

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var isoDurationRe = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration parses an ISO-8601 duration such as PT5S or P1DT2H.
// Years count as 365 days and months as 30.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	components := 0
	for _, g := range m[1:] {
		if g != "" {
			components++
		}
	}
	// Every group is optional, so bare "P" or "PT" still match the pattern.
	if components == 0 {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}

	var d time.Duration
	add := func(value string, unit time.Duration) {
		if value == "" {
			return
		}
		n, _ := strconv.Atoi(value)
		d += time.Duration(n) * unit
	}
	add(m[1], 365*24*time.Hour)
	add(m[2], 30*24*time.Hour)
	add(m[3], 7*24*time.Hour)
	add(m[4], 24*time.Hour)
	add(m[5], time.Hour)
	add(m[6], time.Minute)
	if m[7] != "" {
		secs, err := strconv.ParseFloat(m[7], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid seconds in duration %q", s)
		}
		d += time.Duration(secs * float64(time.Second))
	}
	return d, nil
}

// CapDuration limits a wait to the configured maximum. A zero max means no
// cap.
func CapDuration(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}
