// Package gateway submits built push payloads to a delivery provider and
// classifies the provider's answer.
package gateway

import (
	"context"
)

// Gateway submits one payload to one device token.
//
// An expected provider rejection is returned as a failed Result, not an
// error. A non-nil error means the request could not be completed at all
// (transport failure, timeout) and callers treat it as a transient failure.
type Gateway interface {
	Submit(ctx context.Context, token string, p *Payload) (Result, error)
	Name() string
}

// Result is the provider's answer to a single submission.
type Result struct {
	OK        bool
	MessageID string
	Reason    string
}

// Success returns an accepted Result carrying the provider message id.
func Success(messageID string) Result {
	return Result{OK: true, MessageID: messageID}
}

// Failure returns a rejected Result carrying the provider reason string.
func Failure(reason string) Result {
	return Result{Reason: reason}
}

// Reasons that mean the token will never be deliverable.
const (
	ReasonBadDeviceToken         = "BadDeviceToken"
	ReasonUnregistered           = "Unregistered"
	ReasonDeviceTokenNotForTopic = "DeviceTokenNotForTopic"
)

// IsInvalidTokenReason reports whether reason identifies a permanently
// invalid device token. Matching is exact.
func IsInvalidTokenReason(reason string) bool {
	switch reason {
	case ReasonBadDeviceToken, ReasonUnregistered, ReasonDeviceTokenNotForTopic:
		return true
	}
	return false
}
