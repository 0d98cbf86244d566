package db

import (
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a push notification.
//
// State transitions:
//
//	pending -> queued -> sending -> sent | failed | invalid_token
//	sending -> pending   (retry, bounded by max_retries)
//	sending -> failed    (reaper, stuck in sending)
type Status string

const (
	StatusPending      Status = "pending"
	StatusQueued       Status = "queued"
	StatusSending      Status = "sending"
	StatusSent         Status = "sent"
	StatusFailed       Status = "failed"
	StatusInvalidToken Status = "invalid_token"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusQueued,
	StatusSending,
	StatusSent,
	StatusFailed,
	StatusInvalidToken,
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusInvalidToken
}

var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusSending},
	StatusQueued:  {StatusQueued, StatusSending},
	StatusSending: {StatusPending, StatusSent, StatusFailed, StatusInvalidToken},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Platform identifies the operating system of a device.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// Priority is the delivery priority requested for a notification.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

const (
	// DefaultMaxRetries is the retry budget given to new notifications.
	DefaultMaxRetries = 3
	// DefaultSound is the sound played when none is requested.
	DefaultSound = "default"
)

// Device is a registered push destination.
type Device struct {
	ID             uuid.UUID  `json:"id"`
	Token          string     `json:"token"`
	Platform       Platform   `json:"platform"`
	Active         bool       `json:"active"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Notification is a single push delivery job.
type Notification struct {
	ID          uuid.UUID  `json:"id"`
	DeviceID    *uuid.UUID `json:"device_id,omitempty"`
	DeviceToken string     `json:"device_token"`

	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Badge    *int           `json:"badge,omitempty"`
	Sound    string         `json:"sound"`
	Category *string        `json:"category,omitempty"`
	ThreadID *string        `json:"thread_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`

	Priority   Priority   `json:"priority"`
	Expiration *time.Time `json:"expiration,omitempty"`

	Status           Status     `json:"status"`
	RetryCount       int        `json:"retry_count"`
	MaxRetries       int        `json:"max_retries"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	GatewayMessageID *string    `json:"gateway_message_id,omitempty"`

	// Version is bumped by every write and guards conditional updates.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of n that shares no mutable pointers with it.
func (n *Notification) Clone() *Notification {
	c := *n
	if n.DeviceID != nil {
		id := *n.DeviceID
		c.DeviceID = &id
	}
	c.Badge = clonePtr(n.Badge)
	c.Category = clonePtr(n.Category)
	c.ThreadID = clonePtr(n.ThreadID)
	c.Expiration = clonePtr(n.Expiration)
	c.ErrorMessage = clonePtr(n.ErrorMessage)
	c.SentAt = clonePtr(n.SentAt)
	c.GatewayMessageID = clonePtr(n.GatewayMessageID)
	if n.Data != nil {
		c.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// DeviceChange is a side effect on the job's DeviceID applied in the same
// transaction as a notification update.
type DeviceChange struct {
	Deactivate bool
	NotifiedAt *time.Time
}
