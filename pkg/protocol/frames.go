// Package protocol defines the JSON wire frames exchanged between the
// gateway and its clients.
//
// Every frame is a single JSON object carrying a "type" discriminator.
// Outbound frames (except pong) additionally carry a "sequence" number that
// is strictly increasing per connection; the number is stamped by the
// connection at write time, not by the handler that builds the frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Inbound frame types (client → server).
const (
	TypeAuth           = "auth"
	TypeMessage        = "message"
	TypeMessageEdit    = "message_edit"
	TypeMessageDelete  = "message_delete"
	TypeMessageForward = "message_forward"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypeMarkRead       = "mark_read"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeAck            = "ack"
	TypePing           = "ping"
)

// Outbound frame types (server → client). Message-shaped events reuse the
// inbound type strings above.
const (
	TypeAuthSuccess     = "auth_success"
	TypeMarkReadSuccess = "mark_read_success"
	TypeMessageRead     = "message_read"
	TypeMessageAck      = "message_ack"
	TypeUserOnline      = "user_online"
	TypeUserOffline     = "user_offline"
	TypePong            = "pong"
	TypeError           = "error"
)

// Error codes carried in error frames. This set is closed; handlers must not
// invent new codes.
const (
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeAuthFailed           = "AUTH_FAILED"
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	CodeMessageNotFound      = "MESSAGE_NOT_FOUND"
	CodeUserNotFound         = "USER_NOT_FOUND"
	CodeInvalidContent       = "INVALID_CONTENT"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeInternalError        = "INTERNAL_ERROR"
)

var (
	// ErrMissingType is returned when an inbound object has no "type" field.
	ErrMissingType = errors.New("frame has no type field")
	// ErrUnknownType is returned for a "type" value outside the inbound catalog.
	ErrUnknownType = errors.New("unknown frame type")
)

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

// Inbound is implemented by every client → server frame.
type Inbound interface {
	InboundType() string
}

// AuthFrame authenticates the connection with a bearer token.
type AuthFrame struct {
	Token string `json:"token"`
}

// MessageFrame creates a new message in a conversation.
type MessageFrame struct {
	ConversationID  uuid.UUID  `json:"conversation_id"`
	Content         string     `json:"content"`
	ForwardedFromID *uuid.UUID `json:"forwarded_from_id,omitempty"`
}

// MessageEditFrame replaces the content of an existing message.
type MessageEditFrame struct {
	MessageID uuid.UUID `json:"message_id"`
	Content   string    `json:"content"`
}

// MessageDeleteFrame soft-deletes a message.
type MessageDeleteFrame struct {
	MessageID uuid.UUID `json:"message_id"`
}

// MessageForwardFrame copies an existing message into another conversation.
type MessageForwardFrame struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// TypingStartFrame signals the user started typing in a conversation.
type TypingStartFrame struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// TypingStopFrame signals the user stopped typing in a conversation.
type TypingStopFrame struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// MarkReadFrame advances the sender's last-read pointer in a conversation.
type MarkReadFrame struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// SubscribeFrame registers interest in a conversation's broadcasts.
type SubscribeFrame struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// UnsubscribeFrame removes interest in a conversation's broadcasts.
type UnsubscribeFrame struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// AckFrame acknowledges delivery of a message to this client.
type AckFrame struct {
	MessageID uuid.UUID `json:"message_id"`
	Sequence  *uint64   `json:"sequence,omitempty"`
}

// PingFrame is the client heartbeat. Exempt from sequencing and rate limits.
type PingFrame struct{}

func (*AuthFrame) InboundType() string           { return TypeAuth }
func (*MessageFrame) InboundType() string        { return TypeMessage }
func (*MessageEditFrame) InboundType() string    { return TypeMessageEdit }
func (*MessageDeleteFrame) InboundType() string  { return TypeMessageDelete }
func (*MessageForwardFrame) InboundType() string { return TypeMessageForward }
func (*TypingStartFrame) InboundType() string    { return TypeTypingStart }
func (*TypingStopFrame) InboundType() string     { return TypeTypingStop }
func (*MarkReadFrame) InboundType() string       { return TypeMarkRead }
func (*SubscribeFrame) InboundType() string      { return TypeSubscribe }
func (*UnsubscribeFrame) InboundType() string    { return TypeUnsubscribe }
func (*AckFrame) InboundType() string            { return TypeAck }
func (*PingFrame) InboundType() string           { return TypePing }

// DecodeInbound parses one raw client frame. The returned error distinguishes
// a missing/unknown type from a payload that failed to parse; all three map
// to INVALID_MESSAGE at the handler level.
func DecodeInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if envelope.Type == "" {
		return nil, ErrMissingType
	}

	var frame Inbound
	switch envelope.Type {
	case TypeAuth:
		frame = &AuthFrame{}
	case TypeMessage:
		frame = &MessageFrame{}
	case TypeMessageEdit:
		frame = &MessageEditFrame{}
	case TypeMessageDelete:
		frame = &MessageDeleteFrame{}
	case TypeMessageForward:
		frame = &MessageForwardFrame{}
	case TypeTypingStart:
		frame = &TypingStartFrame{}
	case TypeTypingStop:
		frame = &TypingStopFrame{}
	case TypeMarkRead:
		frame = &MarkReadFrame{}
	case TypeSubscribe:
		frame = &SubscribeFrame{}
	case TypeUnsubscribe:
		frame = &UnsubscribeFrame{}
	case TypeAck:
		frame = &AckFrame{}
	case TypePing:
		frame = &PingFrame{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", envelope.Type, err)
	}
	return frame, nil
}

// ---------------------------------------------------------------------------
// Outbound frames
// ---------------------------------------------------------------------------

// Outbound is implemented by every server → client frame.
type Outbound interface {
	OutboundType() string
}

// Sequenced is implemented by outbound frames that carry a sequence number.
// Pong is the only outbound frame that does not.
type Sequenced interface {
	Outbound
	SetSequence(n uint64)
}

// Seq is embedded by sequenced outbound frames. The zero value is stamped by
// Conn.WriteFrame immediately before the frame hits the wire.
type Seq struct {
	Sequence uint64 `json:"sequence"`
}

// SetSequence records the allocated sequence number.
func (s *Seq) SetSequence(n uint64) { s.Sequence = n }

// AuthSuccessFrame confirms authentication and announces the identity the
// connection is now bound to.
type AuthSuccessFrame struct {
	Type string `json:"type"`
	Seq
	UserID   uuid.UUID `json:"user_id"`
	UserName string    `json:"user_name"`
}

// MessageEventFrame broadcasts a newly created message to a conversation.
type MessageEventFrame struct {
	Type string `json:"type"`
	Seq
	ID              uuid.UUID  `json:"id"`
	Content         string     `json:"content"`
	SenderID        uuid.UUID  `json:"sender_id"`
	ConversationID  uuid.UUID  `json:"conversation_id"`
	ForwardedFromID *uuid.UUID `json:"forwarded_from_id,omitempty"`
	SenderName      string     `json:"sender_name"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	IsEdited        bool       `json:"is_edited"`
	IsDeleted       bool       `json:"is_deleted"`
}

// MessageEditedFrame broadcasts an edit to a conversation.
type MessageEditedFrame struct {
	Type string `json:"type"`
	Seq
	MessageID uuid.UUID `json:"message_id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageDeletedFrame broadcasts a soft delete to a conversation.
type MessageDeletedFrame struct {
	Type string `json:"type"`
	Seq
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// MessageForwardedFrame broadcasts a forward to the target conversation.
type MessageForwardedFrame struct {
	Type string `json:"type"`
	Seq
	OriginalMessageID uuid.UUID `json:"original_message_id"`
	NewMessageID      uuid.UUID `json:"new_message_id"`
	ConversationID    uuid.UUID `json:"conversation_id"`
	ForwardedFromID   uuid.UUID `json:"forwarded_from_id"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"created_at"`
}

// TypingEventFrame broadcasts typing_start or typing_stop. Type must be one
// of TypeTypingStart/TypeTypingStop; synthesized auto-stops use the same
// frame as explicit stops.
type TypingEventFrame struct {
	Type string `json:"type"`
	Seq
	UserID         uuid.UUID `json:"user_id"`
	UserName       string    `json:"user_name"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// MarkReadSuccessFrame confirms a mark_read to its sender.
type MarkReadSuccessFrame struct {
	Type string `json:"type"`
	Seq
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// MessageReadFrame notifies other participants that a user read a message.
type MessageReadFrame struct {
	Type string `json:"type"`
	Seq
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	ReaderID       uuid.UUID `json:"reader_id"`
	ReaderName     string    `json:"reader_name"`
}

// MessageAckFrame echoes a client ack with a delivery status.
type MessageAckFrame struct {
	Type string `json:"type"`
	Seq
	MessageID uuid.UUID `json:"message_id"`
	Status    string    `json:"status"`
}

// UserOnlineFrame announces a user's first live connection.
type UserOnlineFrame struct {
	Type string `json:"type"`
	Seq
	UserID   uuid.UUID `json:"user_id"`
	UserName string    `json:"user_name"`
}

// UserOfflineFrame announces removal of a user's last live connection.
type UserOfflineFrame struct {
	Type string `json:"type"`
	Seq
	UserID   uuid.UUID `json:"user_id"`
	UserName string    `json:"user_name"`
	LastSeen time.Time `json:"last_seen"`
}

// PongFrame answers a ping. Carries no sequence.
type PongFrame struct {
	Type string `json:"type"`
}

// ErrorFrame reports a recoverable protocol or domain error.
type ErrorFrame struct {
	Type string `json:"type"`
	Seq
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (f *AuthSuccessFrame) OutboundType() string      { return TypeAuthSuccess }
func (f *MessageEventFrame) OutboundType() string     { return TypeMessage }
func (f *MessageEditedFrame) OutboundType() string    { return TypeMessageEdit }
func (f *MessageDeletedFrame) OutboundType() string   { return TypeMessageDelete }
func (f *MessageForwardedFrame) OutboundType() string { return TypeMessageForward }
func (f *TypingEventFrame) OutboundType() string      { return f.Type }
func (f *MarkReadSuccessFrame) OutboundType() string  { return TypeMarkReadSuccess }
func (f *MessageReadFrame) OutboundType() string      { return TypeMessageRead }
func (f *MessageAckFrame) OutboundType() string       { return TypeMessageAck }
func (f *UserOnlineFrame) OutboundType() string       { return TypeUserOnline }
func (f *UserOfflineFrame) OutboundType() string      { return TypeUserOffline }
func (f *PongFrame) OutboundType() string             { return TypePong }
func (f *ErrorFrame) OutboundType() string            { return TypeError }

// NewErrorFrame builds an error frame with the type field pre-set.
func NewErrorFrame(code, message string, details map[string]any) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Code: code, Message: message, Details: details}
}

// NewPongFrame builds a pong frame.
func NewPongFrame() *PongFrame {
	return &PongFrame{Type: TypePong}
}
