// Package joblog carries per-job log events from the orchestration core to
// live observers. Events are the product-facing log surface; operational
// logging stays on zap.
package joblog

import "time"

// Level classifies an event for observers.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelSuccess Level = "SUCCESS"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Event is one timestamped, leveled message tied to a job. Immutable once
// published.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	JobID     string    `json:"job_id"`
}
