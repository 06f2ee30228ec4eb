package backfila

import (
	"strconv"
	"strings"
	"time"
)

// DefaultBackoffSchedule is used when a run does not configure its own.
var DefaultBackoffSchedule = BackoffSchedule{5 * time.Second, 15 * time.Second, 30 * time.Second}

// BackoffSchedule is the list of delays applied after consecutive failures of a partition.
type BackoffSchedule []time.Duration

// ParseBackoffSchedule parses a comma separated list of millisecond delays, e.g. "100,200,400".
// An empty string yields a nil schedule, which means the default.
func ParseBackoffSchedule(s string) (BackoffSchedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	schedule := make(BackoffSchedule, 0, len(parts))
	for _, part := range parts {
		ms, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || ms < 0 {
			return nil, validationErrorf("backoff_schedule must be a comma separated list of integers")
		}
		schedule = append(schedule, time.Duration(ms)*time.Millisecond)
	}
	return schedule, nil
}

// String formats the schedule the way ParseBackoffSchedule reads it.
func (b BackoffSchedule) String() string {
	parts := make([]string, len(b))
	for i, d := range b {
		parts[i] = strconv.FormatInt(d.Milliseconds(), 10)
	}
	return strings.Join(parts, ",")
}

// OrDefault returns the schedule, or DefaultBackoffSchedule when it is empty.
func (b BackoffSchedule) OrDefault() BackoffSchedule {
	if len(b) == 0 {
		return DefaultBackoffSchedule
	}
	return b
}

// Delay returns how long to wait after the n-th consecutive failure (1-based).
// ok is false once the schedule is exhausted and the partition should error out.
func (b BackoffSchedule) Delay(failures int) (delay time.Duration, ok bool) {
	schedule := b.OrDefault()
	if failures < 1 {
		return 0, true
	}
	if failures > len(schedule) {
		return 0, false
	}
	return schedule[failures-1], true
}
