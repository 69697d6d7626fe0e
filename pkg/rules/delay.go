package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/sandboxhq/sandboxd/pkg/template"
)

// DelaySpec is a parsed delay action. Jitter of zero means a fixed
// delay; otherwise a sample is uniform in [Mean-Jitter, Mean+Jitter].
type DelaySpec struct {
	Mean   time.Duration
	Jitter time.Duration
}

var (
	plainDelayRe      = regexp.MustCompile(`^(\d+)$`)
	unitDelayRe       = regexp.MustCompile(`^(\d+)(ms|s|m|h)$`)
	jitterDelayRe     = regexp.MustCompile(`^(\d+)(?:±|\+-|\+/-)(\d+)(ms|s|m|h)$`)
	percentileDelayRe = regexp.MustCompile(`^p\d+=(\d+)(ms|s|m|h)$`)
)

// ParseDelay accepts the delay grammar: an integer millisecond count,
// a suffixed literal like 250ms or 2s, a distribution like 100±20ms
// (uniform around the mean), or a percentile form like p95=200ms
// (treated as the scalar value).
func ParseDelay(raw any) (*DelaySpec, error) {
	switch v := raw.(type) {
	case int:
		return &DelaySpec{Mean: time.Duration(v) * time.Millisecond}, nil
	case int64:
		return &DelaySpec{Mean: time.Duration(v) * time.Millisecond}, nil
	case float64:
		return &DelaySpec{Mean: time.Duration(v * float64(time.Millisecond))}, nil
	case string:
		return parseDelayString(v)
	default:
		return nil, fmt.Errorf("rules: delay must be a number or a string, got %T", raw)
	}
}

func parseDelayString(s string) (*DelaySpec, error) {
	if m := plainDelayRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return &DelaySpec{Mean: time.Duration(n) * time.Millisecond}, nil
	}
	if m := unitDelayRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return &DelaySpec{Mean: time.Duration(n) * unitOf(m[2])}, nil
	}
	if m := jitterDelayRe.FindStringSubmatch(s); m != nil {
		mean, _ := strconv.Atoi(m[1])
		jitter, _ := strconv.Atoi(m[2])
		unit := unitOf(m[3])
		return &DelaySpec{
			Mean:   time.Duration(mean) * unit,
			Jitter: time.Duration(jitter) * unit,
		}, nil
	}
	if m := percentileDelayRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return &DelaySpec{Mean: time.Duration(n) * unitOf(m[2])}, nil
	}
	return nil, fmt.Errorf("rules: invalid delay spec %q", s)
}

func unitOf(suffix string) time.Duration {
	switch suffix {
	case "ms":
		return time.Millisecond
	case "s":
		return time.Second
	case "m":
		return time.Minute
	default:
		return time.Hour
	}
}

// Sample draws a concrete duration from the spec's distribution.
func (d *DelaySpec) Sample(stream *template.Stream) time.Duration {
	if d.Jitter <= 0 {
		return d.Mean
	}
	// Uniform in [-jitter, +jitter].
	offset := time.Duration((stream.Float64()*2 - 1) * float64(d.Jitter))
	sampled := d.Mean + offset
	if sampled < 0 {
		return 0
	}
	return sampled
}
