package soap

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var isoDurationRe = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?$`)

// ParseDuration parses the xsd:duration subset ONVIF clients use for
// PullMessages timeouts ("PT1M", "PT5S", "PT1H30M").
func ParseDuration(s string) (time.Duration, error) {
	m := isoDurationRe.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var d time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		d += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		min, _ := strconv.Atoi(m[2])
		d += time.Duration(min) * time.Minute
	}
	if m[3] != "" {
		sec, _ := strconv.ParseFloat(m[3], 64)
		d += time.Duration(sec * float64(time.Second))
	}
	return d, nil
}

// FormatDuration renders a duration as xsd:duration with whole seconds.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("PT%dS", int(d.Seconds()))
}

// UTCTimeLayout is the timestamp form used across ONVIF responses.
const UTCTimeLayout = "2006-01-02T15:04:05Z"

// FormatUTC renders a time in the ONVIF UTC form.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(UTCTimeLayout)
}
