package worker

import (
	"time"

	"github.com/lalithlochan/pushline/internal/db"
)

// Outcome is the result of one Deliver call. The concrete types are Sent,
// Skipped, RetryNeeded, Failed, InvalidToken and NotFound.
type Outcome interface {
	// Kind names the outcome for logs and metrics.
	Kind() string
	outcome()
}

// Sent means the gateway accepted the push.
type Sent struct {
	MessageID string
}

// Skipped means the job was not attempted because its observed status
// does not allow it.
type Skipped struct {
	Status db.Status
}

// RetryNeeded means the job should be delivered again after Delay.
type RetryNeeded struct {
	Delay time.Duration
}

// Failed means the job reached the failed state.
type Failed struct {
	Reason string
}

// InvalidToken means the gateway rejected the device token for good.
type InvalidToken struct {
	Reason string
}

// NotFound means no job exists under the id.
type NotFound struct{}

func (Sent) Kind() string         { return "sent" }
func (Skipped) Kind() string      { return "skipped" }
func (RetryNeeded) Kind() string  { return "retry_needed" }
func (Failed) Kind() string       { return "failed" }
func (InvalidToken) Kind() string { return "invalid_token" }
func (NotFound) Kind() string     { return "not_found" }

func (Sent) outcome()         {}
func (Skipped) outcome()      {}
func (RetryNeeded) outcome()  {}
func (Failed) outcome()       {}
func (InvalidToken) outcome() {}
func (NotFound) outcome()     {}
