package common

import (
	"time"
)

// JobKind - Kind of recurring device job.
type JobKind string

// Job kinds.
const (
	JobBackup  JobKind = "backup"
	JobMonitor JobKind = "monitor"
)

// Outcome - Result of a single worker run.
type Outcome string

// Worker run outcomes.
const (
	OutcomeSuccess         Outcome = "success"
	OutcomeSuccessNoChange Outcome = "success-no-change"
	OutcomeAuthFailure     Outcome = "auth-failure"
	OutcomeUnreachable     Outcome = "unreachable"
	OutcomePartialFailure  Outcome = "partial-failure"
	OutcomeFailure         Outcome = "failure"
)

// EventKind - Kind of event log record.
type EventKind string

// Event kinds.
const (
	EventSuccess        EventKind = "success"
	EventFailure        EventKind = "failure"
	EventSkipped        EventKind = "skipped"
	EventUnreachable    EventKind = "device-unreachable"
	EventAuthFailure    EventKind = "auth-failure"
	EventPartialFailure EventKind = "partial-failure"
)

// EventRecord - A single append-only event log record.
type EventRecord struct {
	Time     time.Time     `json:"time"`
	DeviceID string        `json:"device_id"`
	JobKind  JobKind       `json:"job_kind"`
	Kind     EventKind     `json:"kind"`
	Detail   string        `json:"detail"`
	Duration time.Duration `json:"duration"`
}

// ConfigVersion - One immutable captured device configuration.
type ConfigVersion struct {
	DeviceID    string    `json:"device_id"`
	CapturedAt  time.Time `json:"captured_at"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"` // SHA-256, hex
	Predecessor string    `json:"predecessor"`  // Content hash of the previous version, empty for the first
}

// MetricSample - One sampled metric value from a monitor poll.
type MetricSample struct {
	DeviceID string            `json:"device_id"`
	Time     time.Time         `json:"time"`
	Name     string            `json:"name"`
	Value    float64           `json:"value"`
	Labels   map[string]string `json:"labels,omitempty"`
}
