package models

import "time"

// TimerStatus is the lifecycle state of a session countdown.
type TimerStatus string

const (
	TimerStatusNone      TimerStatus = "NONE"
	TimerStatusRunning   TimerStatus = "RUNNING"
	TimerStatusCancelled TimerStatus = "CANCELLED"
	TimerStatusCompleted TimerStatus = "COMPLETED"
)

// TimerState is the authoritative countdown record for a session.
// EndUTC is set whenever Status is TimerStatusRunning.
type TimerState struct {
	SessionID    string      `json:"session_id"`
	Status       TimerStatus `json:"status"`
	ServerNowUTC time.Time   `json:"server_now_utc"`
	EndUTC       *time.Time  `json:"end_utc,omitempty"`
	Label        string      `json:"label,omitempty"`
}

// Remaining returns the time left relative to the recorded server time.
func (t TimerState) Remaining() time.Duration {
	if t.Status != TimerStatusRunning || t.EndUTC == nil {
		return 0
	}
	if d := t.EndUTC.Sub(t.ServerNowUTC); d > 0 {
		return d
	}
	return 0
}
