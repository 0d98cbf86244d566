package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lalithlochan/pushline/internal/db"
)

// MaxPayloadBytes is the largest APNs payload accepted for alert pushes.
const MaxPayloadBytes = 4096

var (
	// ErrReservedKey is returned when custom data uses a key the provider
	// payload reserves for itself.
	ErrReservedKey = errors.New("custom data uses reserved key")
	// ErrPayloadTooLarge is returned when the encoded payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ReservedKeys are top-level payload keys custom data may not set.
var ReservedKeys = []string{"aps"}

// Payload is the provider-ready form of a notification.
type Payload struct {
	// Document is the encoded APNs JSON body.
	Document []byte

	Title string
	Body  string
	Data  map[string]any

	Priority   db.Priority
	Expiration *time.Time
}

type apsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type aps struct {
	Alert    apsAlert `json:"alert"`
	Sound    string   `json:"sound,omitempty"`
	Badge    *int     `json:"badge,omitempty"`
	Category string   `json:"category,omitempty"`
	ThreadID string   `json:"thread-id,omitempty"`
}

// CheckData returns ErrReservedKey if data sets any reserved key.
func CheckData(data map[string]any) error {
	for _, k := range ReservedKeys {
		if _, ok := data[k]; ok {
			return fmt.Errorf("%w: %q", ErrReservedKey, k)
		}
	}
	return nil
}

// BuildPayload renders n into the provider document:
//
//	{"aps": {"alert": {"title", "body"}, "sound", "badge", "category", "thread-id"}, ...data}
//
// It has no side effects.
func BuildPayload(n *db.Notification) (*Payload, error) {
	if err := CheckData(n.Data); err != nil {
		return nil, err
	}

	a := aps{
		Alert: apsAlert{Title: n.Title, Body: n.Body},
		Sound: n.Sound,
		Badge: n.Badge,
	}
	if a.Sound == "" {
		a.Sound = db.DefaultSound
	}
	if n.Category != nil {
		a.Category = *n.Category
	}
	if n.ThreadID != nil {
		a.ThreadID = *n.ThreadID
	}

	doc := make(map[string]any, len(n.Data)+1)
	for k, v := range n.Data {
		doc[k] = v
	}
	doc["aps"] = a

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if len(raw) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}

	return &Payload{
		Document:   raw,
		Title:      n.Title,
		Body:       n.Body,
		Data:       n.Data,
		Priority:   n.Priority,
		Expiration: n.Expiration,
	}, nil
}
