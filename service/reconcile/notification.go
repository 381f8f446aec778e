package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedNotification means the webhook body is missing the
	// session reference or the status. Maps to a 400 at the boundary.
	ErrMalformedNotification = errors.New("malformed outcome notification")
	// ErrOrderNotFound means no order carries the notified checkout
	// reference. Maps to a 404 at the boundary.
	ErrOrderNotFound = errors.New("no order for checkout reference")
)

// Outcome is the engine's view of a gateway terminal status.
type Outcome int

const (
	// OutcomeUnknown is any status outside the known vocabulary. It is
	// acknowledged but never written: SumUp may grow new statuses.
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// Notification is the validated form of an inbound webhook body. Raw
// payloads never reach the engine.
type Notification struct {
	Reference string
	Outcome   Outcome
	RawStatus string
}

type webhookBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ParseNotification validates the webhook payload shape before any state is
// touched. Both id and status must be present.
func ParseNotification(body []byte) (Notification, error) {
	var decoded webhookBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if decoded.ID == "" || decoded.Status == "" {
		return Notification{}, fmt.Errorf("%w: missing id or status", ErrMalformedNotification)
	}

	n := Notification{Reference: decoded.ID, RawStatus: decoded.Status}
	switch decoded.Status {
	case "PAID":
		n.Outcome = OutcomeSuccess
	case "FAILED":
		n.Outcome = OutcomeFailure
	default:
		n.Outcome = OutcomeUnknown
	}
	return n, nil
}
