package youtube

import (
	"fmt"
	"regexp"
	"strconv"
)

// UnknownDuration is reported whenever a duration could not be resolved.
const UnknownDuration = "unknown"

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// FormatDuration converts an ISO-8601 duration as returned by the Data API
// (PT1H2M3S) into H:MM:SS, or M:SS when the video is shorter than an hour.
// Days are folded into hours and overflowing units (PT90M) are carried.
func FormatDuration(iso string) string {
	m := isoDuration.FindStringSubmatch(iso)
	if m == nil || iso == "P" {
		return UnknownDuration
	}
	num := func(s string) int {
		if s == "" {
			return 0
		}
		n, _ := strconv.Atoi(s)
		return n
	}
	total := ((num(m[1])*24+num(m[2]))*60+num(m[3]))*60 + num(m[4])
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
