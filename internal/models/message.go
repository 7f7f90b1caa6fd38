package models

import (
	"encoding/json"
	"errors"
	"time"
)

// MessageType represents the type of a signaling message.
type MessageType string

const (
	TypeOffer                   MessageType = "offer"
	TypeAnswer                  MessageType = "answer"
	TypeICECandidate            MessageType = "ice-candidate"
	TypeCallAnswered            MessageType = "call-answered"
	TypeCallRejected            MessageType = "call-rejected"
	TypeCallEnded               MessageType = "call-ended"
	TypeCallTimeout             MessageType = "call-timeout"
	TypeCallStarted             MessageType = "call-started"
	TypeChatMessage             MessageType = "chat-message"
	TypeTypingIndicator         MessageType = "typing-indicator"
	TypeMessageRead             MessageType = "message-read"
	TypeMediaToggle             MessageType = "media-toggle"
	TypeCameraSwitch            MessageType = "camera-switch"
	TypeSessionStatusRequest    MessageType = "session-status-request"
	TypeSessionStatusResponse   MessageType = "session-status-response"
	TypeSessionEndRequest       MessageType = "session-end-request"
	TypeSessionEnded            MessageType = "session-ended"
	TypeAppointmentStartRequest MessageType = "appointment-start-request"
	TypeAppointmentStarted      MessageType = "appointment-started"
	TypeResendOfferRequest      MessageType = "resend-offer-request"
	TypeConnectionEstablished   MessageType = "connection-established"
	TypePing                    MessageType = "ping"
	TypePong                    MessageType = "pong"
	TypeError                   MessageType = "error"

	// TypeUnknown is the fallthrough for message types this server does not
	// recognize; they are logged and dropped, never broadcast blindly.
	TypeUnknown MessageType = ""
)

var knownTypes = map[MessageType]struct{}{
	TypeOffer: {}, TypeAnswer: {}, TypeICECandidate: {},
	TypeCallAnswered: {}, TypeCallRejected: {}, TypeCallEnded: {},
	TypeCallTimeout: {}, TypeCallStarted: {}, TypeChatMessage: {},
	TypeTypingIndicator: {}, TypeMessageRead: {}, TypeMediaToggle: {},
	TypeCameraSwitch: {}, TypeSessionStatusRequest: {},
	TypeSessionEndRequest: {}, TypeAppointmentStartRequest: {},
	TypeResendOfferRequest: {}, TypePing: {},
}

// ErrNotObject is returned when an inbound frame is valid JSON but not an
// object, which the protocol treats the same as malformed input.
var ErrNotObject = errors.New("message is not a JSON object")

// Envelope is one inbound or outbound signaling message. Payload fields the
// server does not interpret are carried through untouched, so a relayed
// message reaches the other participants byte-for-byte apart from the
// identity and timestamp stamps.
type Envelope struct {
	Type   MessageType
	Fields map[string]any
}

// Decode parses a raw text frame into an Envelope. The type field is matched
// against the known message kinds; anything else yields TypeUnknown.
func Decode(raw []byte) (*Envelope, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, ErrNotObject
	}
	t, _ := fields["type"].(string)
	mt := MessageType(t)
	if _, ok := knownTypes[mt]; !ok {
		return &Envelope{Type: TypeUnknown, Fields: fields}, nil
	}
	return &Envelope{Type: mt, Fields: fields}, nil
}

// Encode marshals the envelope back into a text frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e.Fields)
}

// Stamp enriches the message with the connection's session key and sender
// identity plus a server timestamp before dispatch.
func (e *Envelope) Stamp(sessionKey, userID string) {
	e.Fields["appointmentId"] = sessionKey
	if _, ok := e.Fields["senderId"]; !ok {
		e.Fields["senderId"] = userID
	}
	e.Fields["userId"] = userID
	e.Fields["timestamp"] = time.Now().UTC().Format(time.RFC3339)
}

// String returns the string value of a top-level field, or "" if absent.
func (e *Envelope) String(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// Object returns a nested object field, or nil if absent.
func (e *Envelope) Object(key string) map[string]any {
	m, _ := e.Fields[key].(map[string]any)
	return m
}

// RawType reports the declared type string as received, for logging
// unrecognized messages.
func (e *Envelope) RawType() string {
	return e.String("type")
}

// OfferFingerprint derives the duplicate-suppression fingerprint for an
// offer: a truncated prefix of its SDP.
func (e *Envelope) OfferFingerprint() string {
	const prefixLen = 50
	offer := e.Object("offer")
	if offer == nil {
		return "unknown"
	}
	sdp, _ := offer["sdp"].(string)
	if sdp == "" {
		return "unknown"
	}
	if len(sdp) > prefixLen {
		sdp = sdp[:prefixLen]
	}
	return sdp
}

// New builds a server-originated message.
func New(t MessageType, fields map[string]any) *Envelope {
	if fields == nil {
		fields = make(map[string]any, 2)
	}
	fields["type"] = string(t)
	return &Envelope{Type: t, Fields: fields}
}

// NewError builds the sender-only error frame.
func NewError(message string) *Envelope {
	return New(TypeError, map[string]any{
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
