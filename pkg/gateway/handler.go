package gateway

import (
	"errors"

	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"github.com/pingme/gateway/pkg/protocol"
)

// errCloseSession signals the read loop to stop and tear the connection down.
var errCloseSession = errors.New("session closed")

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateClosed
)

// session is the per-connection protocol state machine. All fields are owned
// by the connection's read-loop goroutine; broadcasts from other sessions
// only touch the Conn, never the session.
type session struct {
	server *Server
	conn   *Conn
	flood  *rate.Limiter

	state      sessionState
	userID     uuid.UUID
	userName   string
	violations int
}

func newSession(s *Server, conn *Conn) *session {
	return &session{
		server: s,
		conn:   conn,
		flood: rate.NewLimiter(
			rate.Limit(s.config.Limits.FloodFramesPerSecond),
			s.config.Limits.FloodBurst,
		),
	}
}

// readLoop processes inbound frames until the transport dies, the violation
// limit is hit, or the server shuts down.
func (sess *session) readLoop() {
	defer sess.server.teardown(sess)

	for {
		data, err := sess.conn.ReadMessage()
		if err != nil {
			debugLog.Printf("conn %s: read loop ended: %v", sess.conn.ID, err)
			return
		}
		if err := sess.handleFrame(data); err != nil {
			return
		}
	}
}

// handleFrame runs one frame through the state machine. A non-nil return
// means the connection should close.
func (sess *session) handleFrame(data []byte) error {
	s := sess.server

	// Any inbound frame is a sign of life, valid or not.
	s.heartbeat.Touch(sess.conn.ID)

	// Per-connection flood guard, ahead of parsing: a connection spraying
	// frames gets throttled before it costs us JSON decoding.
	if !sess.flood.Allow() {
		s.metrics.RecordRateLimitDenial("flood")
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeRateLimitExceeded, "Too many frames", nil))
	}

	// Size check before parse. Oversized frames get an error but keep the
	// connection open; no rate-limit token is charged.
	if len(data) > s.config.Limits.MaxFrameBytes {
		s.metrics.RecordFrameReceived("oversized")
		if err := sess.send(protocol.NewErrorFrame(
			protocol.CodeInvalidMessage, "Message too large",
			map[string]any{"limit": s.config.Limits.MaxFrameBytes})); err != nil {
			return err
		}
		return sess.violation("oversized frame")
	}

	frame, err := protocol.DecodeInbound(data)
	if err != nil {
		s.metrics.RecordFrameReceived("invalid")
		if sendErr := sess.send(protocol.NewErrorFrame(
			protocol.CodeInvalidMessage, "Invalid message", nil)); sendErr != nil {
			return sendErr
		}
		return sess.violation("undecodable frame")
	}

	s.metrics.RecordFrameReceived(frame.InboundType())
	debugLog.Printf("conn %s ← %s", sess.conn.ID, frame.InboundType())

	// Unauthenticated connections may only authenticate.
	if sess.state == stateUnauthenticated {
		auth, ok := frame.(*protocol.AuthFrame)
		if !ok {
			if err := sess.send(protocol.NewErrorFrame(
				protocol.CodeAuthRequired, "Authentication required", nil)); err != nil {
				return err
			}
			return sess.violation("frame before auth")
		}
		return sess.handleAuth(auth)
	}

	switch frame := frame.(type) {
	case *protocol.AuthFrame:
		// Re-authentication on a live connection is a protocol violation.
		if err := sess.send(protocol.NewErrorFrame(
			protocol.CodeInvalidMessage, "Already authenticated", nil)); err != nil {
			return err
		}
		return sess.violation("double auth")
	case *protocol.PingFrame:
		// Pings are exempt from per-user rate limiting so heartbeats keep
		// flowing even when the client is throttled.
		return sess.handlePing(frame)
	}

	category := rateCategory(frame)
	if !s.limiter.Allow(sess.userID, category) {
		s.metrics.RecordRateLimitDenial(category)
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeRateLimitExceeded, "Rate limit exceeded",
			map[string]any{"category": category}))
	}

	switch frame := frame.(type) {
	case *protocol.MessageFrame:
		return sess.handleMessage(frame)
	case *protocol.MessageEditFrame:
		return sess.handleMessageEdit(frame)
	case *protocol.MessageDeleteFrame:
		return sess.handleMessageDelete(frame)
	case *protocol.MessageForwardFrame:
		return sess.handleMessageForward(frame)
	case *protocol.TypingStartFrame:
		return sess.handleTypingStart(frame)
	case *protocol.TypingStopFrame:
		return sess.handleTypingStop(frame)
	case *protocol.MarkReadFrame:
		return sess.handleMarkRead(frame)
	case *protocol.SubscribeFrame:
		return sess.handleSubscribe(frame)
	case *protocol.UnsubscribeFrame:
		return sess.handleUnsubscribe(frame)
	case *protocol.AckFrame:
		return sess.handleAck(frame)
	default:
		// DecodeInbound only produces the types above; keep the switch total.
		if err := sess.send(protocol.NewErrorFrame(
			protocol.CodeInvalidMessage, "Unsupported message type", nil)); err != nil {
			return err
		}
		return sess.violation("unhandled frame type")
	}
}

// rateCategory maps an inbound frame to the limiter category it charges.
func rateCategory(frame protocol.Inbound) string {
	switch frame.InboundType() {
	case protocol.TypeMessage, protocol.TypeMessageEdit,
		protocol.TypeMessageDelete, protocol.TypeMessageForward:
		return CategoryMessage
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		return CategoryTyping
	case protocol.TypeAuth:
		return CategoryAuth
	default:
		return CategoryGeneral
	}
}

// send writes a frame to this session's connection. Write failures close the
// session; the error frame path must never wedge the read loop.
func (sess *session) send(frame protocol.Outbound) error {
	if err := sess.conn.WriteFrame(frame); err != nil {
		if !errors.Is(err, ErrConnClosed) {
			debugLog.Printf("conn %s: write failed: %v", sess.conn.ID, err)
		}
		return errCloseSession
	}
	sess.server.metrics.RecordFrameSent(frame.OutboundType())
	return nil
}

// violation counts a protocol violation and closes the session once the
// configured limit is reached.
func (sess *session) violation(reason string) error {
	sess.violations++
	if sess.violations >= sess.server.config.Limits.ViolationLimit {
		errorLog.Printf("conn %s: closing after %d protocol violations (last: %s)",
			sess.conn.ID, sess.violations, reason)
		return errCloseSession
	}
	return nil
}

// storeError logs an unexpected store failure and reports INTERNAL_ERROR.
func (sess *session) storeError(operation string, err error) error {
	errorLog.Printf("conn %s: %s failed: %v", sess.conn.ID, operation, err)
	return sess.send(protocol.NewErrorFrame(
		protocol.CodeInternalError, "Internal error", nil))
}
