// Package events defines the client-facing event envelopes, the error
// taxonomy carried on acknowledgements, and the per-type payload schemas.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound is the client -> server envelope. An AckID, if present,
// obligates exactly one acknowledgement.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	AckID   string          `json:"ackId,omitempty"`
}

// Push is the server -> client envelope.
type Push struct {
	Type            string    `json:"type"`
	Payload         any       `json:"payload"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// NewPush stamps a push envelope with the current server time.
func NewPush(eventType string, payload any) Push {
	return Push{Type: eventType, Payload: payload, ServerTimestamp: time.Now().UTC()}
}

// Ack is the response to an inbound event carrying an AckID. Exactly one
// of Result or Error is set.
type Ack struct {
	AckID  string `json:"ackId"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error codes surfaced to clients. Internal detail stays in the logs.
const (
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeAuthorization  = "AUTHORIZATION_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeRateLimit      = "RATE_LIMIT_EXCEEDED"
	CodeUpstream       = "UPSTREAM_ERROR"
	CodeUnknownEvent   = "UNKNOWN_EVENT_TYPE"
)

// Error is the structured error body sent to the originating connection.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter,omitempty"` // seconds
	Details    any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an error body with a client-safe message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}
