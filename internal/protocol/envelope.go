// ABOUTME: JSON envelope types for the supervisor WebSocket protocol
// ABOUTME: One envelope per logical message, inbound payloads decoded lazily

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// Client -> server envelope types.
const (
	TypeAuth        = "auth"
	TypeConsent     = "consent"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeInstruction = "instruction"
	TypeTakeover    = "takeover"
	TypeRelease     = "release"
	TypePing        = "ping"
)

// Server -> client envelope types.
const (
	TypeConnected          = "connected"
	TypeAuthSuccess        = "auth_success"
	TypeConsentAck         = "consent_ack"
	TypeError              = "error"
	TypeSubscribed         = "subscribed"
	TypeUnsubscribed       = "unsubscribed"
	TypeConversationState  = "conversation_state"
	TypeConversationUpdate = "conversation_update"
	TypeReleased           = "released"
	TypeHeartbeat          = "heartbeat"
	TypePong               = "pong"
	TypeIdleTimeout        = "idle_timeout"
	TypeServerShutdown     = "server_shutdown"
)

// Error codes carried in the payload of an "error" envelope.
const (
	CodeInvalidJSON          = "invalid_json"
	CodeUnknownType          = "unknown_type"
	CodeAuthRequired         = "auth_required"
	CodeAuthFailed           = "auth_failed"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeConnectionLimit      = "connection_limit"
	CodeAccessDenied         = "access_denied"
	CodeCapabilityRequired   = "capability_required"
	CodeConsentRequired      = "consent_required"
	CodeRateLimited          = "rate_limited"
	CodeInvalidState         = "invalid_state"
	CodeConversationNotFound = "conversation_not_found"
	CodeInternal             = "internal_error"
)

// WebSocket close codes used by the broker.
const (
	CloseNormal          = websocket.CloseNormalClosure   // 1000: idle timeout, client-requested close
	CloseGoingAway       = websocket.CloseGoingAway       // 1001: server shutdown
	ClosePolicyViolation = websocket.ClosePolicyViolation // 1008: auth timeout, invalid token, connection cap
)

// Inbound is a client envelope with its payload left undecoded until the
// router knows the type.
type Inbound struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"messageId,omitempty"`
}

// Outbound is a server envelope ready for serialization.
type Outbound struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// Encode serializes the envelope to a single JSON document.
func (o *Outbound) Encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", o.Type, err)
	}
	return data, nil
}

// AuthPayload is the payload of a client "auth" envelope.
type AuthPayload struct {
	Token string `json:"token"`
}

// ConsentPayload is the payload of a client "consent" envelope.
type ConsentPayload struct {
	Consent  bool     `json:"consent"`
	Purposes []string `json:"purposes"`
}

// ConversationRef is the payload shape shared by subscribe, unsubscribe,
// takeover, and release envelopes.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// InstructionPayload is the payload of a client "instruction" envelope.
type InstructionPayload struct {
	ConversationID string `json:"conversationId"`
	Instruction    string `json:"instruction"`
}

// AuthSuccessPayload echoes the session identity back to the client.
type AuthSuccessPayload struct {
	SessionID    string   `json:"sessionId"`
	PrincipalID  string   `json:"principalId"`
	Capabilities []string `json:"capabilities"`
}

// ErrorPayload carries a machine-readable code and a human message.
// RetryAfterSeconds is set only for rate-limit denials.
type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// NewError builds an "error" envelope correlated to an inbound messageId
// when one was provided.
func NewError(code, message, messageID string) *Outbound {
	return &Outbound{
		Type:      TypeError,
		MessageID: messageID,
		Payload:   ErrorPayload{Code: code, Message: message},
	}
}

// NewRateLimited builds a non-fatal rate-limit error with a retry hint.
func NewRateLimited(retryAfterSeconds int, messageID string) *Outbound {
	return &Outbound{
		Type:      TypeError,
		MessageID: messageID,
		Payload: ErrorPayload{
			Code:              CodeRateLimited,
			Message:           "rate limit exceeded",
			RetryAfterSeconds: retryAfterSeconds,
		},
	}
}

// NewEvent builds a server envelope of the given type.
func NewEvent(envType string, payload any) *Outbound {
	return &Outbound{Type: envType, Payload: payload}
}

// ParseInbound decodes a raw client frame into an Inbound envelope.
func ParseInbound(raw []byte) (*Inbound, error) {
	var env Inbound
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decoding envelope: missing type")
	}
	return &env, nil
}

// DecodePayload unmarshals the inbound payload into dst.
func (in *Inbound) DecodePayload(dst any) error {
	if len(in.Payload) == 0 {
		return fmt.Errorf("decoding %s payload: empty payload", in.Type)
	}
	if err := json.Unmarshal(in.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", in.Type, err)
	}
	return nil
}
