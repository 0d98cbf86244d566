// Package queue defines the work-queue contract between job submission and
// the delivery workers. Delivery is at-least-once: a message may be seen by
// more than one worker and consumers must tolerate redelivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/pushline/internal/db"
)

// Message is the body carried by the queue. It only references the job;
// the job row is the source of truth.
type Message struct {
	NotificationID uuid.UUID   `json:"notification_id"`
	Priority       db.Priority `json:"priority"`
	Attempt        int         `json:"attempt"`
	EnqueuedAt     int64       `json:"enqueued_at"`
}

// NewMessage builds the message for n.
func NewMessage(n *db.Notification) Message {
	return Message{
		NotificationID: n.ID,
		Priority:       n.Priority,
		Attempt:        n.RetryCount,
		EnqueuedAt:     time.Now().UnixNano(),
	}
}

// Encode renders m as the wire body.
func Encode(m Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return string(b), nil
}

// Decode parses a wire body.
func Decode(body string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return Message{}, fmt.Errorf("invalid message format: %w", err)
	}
	if m.NotificationID == uuid.Nil {
		return Message{}, fmt.Errorf("invalid message format: missing notification_id")
	}
	return m, nil
}

// Delivery is a received message plus the driver handle needed to settle it.
type Delivery struct {
	Message
	Receipt string
}

// Producer hands job references to workers.
type Producer interface {
	Enqueue(ctx context.Context, m Message) error
	// EnqueueDelayed makes m visible no earlier than delay from now.
	EnqueueDelayed(ctx context.Context, m Message, delay time.Duration) error
}

// Receiver hands out deliveries to one worker at a time.
type Receiver interface {
	// Receive blocks for a bounded time and returns (nil, nil) when idle.
	Receive(ctx context.Context) (*Delivery, error)
	// Ack settles d for good.
	Ack(ctx context.Context, d *Delivery) error
	// Nack returns d to the queue, visible again after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
}

// Queue is a driver that both produces and receives.
type Queue interface {
	Producer
	Receiver
}
