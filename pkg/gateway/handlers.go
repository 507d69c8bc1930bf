package gateway

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pingme/gateway/pkg/protocol"
	"github.com/pingme/gateway/pkg/store"
)

// handleAuth verifies the token and binds the connection to a user. Auth
// attempts are rate-limited by connection id, since no identity exists yet.
func (sess *session) handleAuth(frame *protocol.AuthFrame) error {
	s := sess.server

	if !s.limiter.Allow(sess.conn.ID, CategoryAuth) {
		s.metrics.RecordRateLimitDenial(CategoryAuth)
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeRateLimitExceeded, "Too many authentication attempts", nil))
	}

	userID, err := s.verifier.Verify(frame.Token)
	if err != nil {
		s.metrics.RecordAuthFailure()
		debugLog.Printf("conn %s: auth rejected: %v", sess.conn.ID, err)
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeAuthFailed, "Authentication failed", nil))
	}

	user, err := s.users.GetUser(userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			s.metrics.RecordAuthFailure()
			return sess.send(protocol.NewErrorFrame(
				protocol.CodeAuthFailed, "Authentication failed", nil))
		}
		return sess.storeError("user lookup", err)
	}

	sess.conn.UserID = user.ID
	sess.state = stateAuthenticated
	sess.userID = user.ID
	sess.userName = user.Name

	// auth_success must be the first sequenced frame on the connection, so
	// it goes out before registration opens the broadcast floodgates.
	if err := sess.send(&protocol.AuthSuccessFrame{
		Type:     protocol.TypeAuthSuccess,
		UserID:   user.ID,
		UserName: user.Name,
	}); err != nil {
		return err
	}

	if err := s.registry.Register(sess.conn); err != nil {
		return sess.storeError("register connection", err)
	}
	s.updateGauges()

	debugLog.Printf("conn %s: authenticated as %s (%s)", sess.conn.ID, user.Name, user.ID)
	return nil
}

func (sess *session) handleMessage(frame *protocol.MessageFrame) error {
	s := sess.server

	if !sess.validContent(frame.Content) {
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeInvalidContent, "Invalid message content",
			map[string]any{"max_length": s.config.Limits.MaxContentChars}))
	}

	msg, err := s.messages.CreateMessage(sess.userID, frame.ConversationID, frame.Content, frame.ForwardedFromID)
	if err != nil {
		return sess.sendStoreMapped("create message", err)
	}

	// Every participant's live connections are implicitly subscribed, so
	// recipients see the conversation without an explicit subscribe.
	sess.subscribeParticipants(msg.ConversationID)
	s.broadcast(msg.ConversationID, messageEvent(msg), nil)
	return nil
}

func (sess *session) handleMessageEdit(frame *protocol.MessageEditFrame) error {
	s := sess.server

	if !sess.validContent(frame.Content) {
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeInvalidContent, "Invalid message content",
			map[string]any{"max_length": s.config.Limits.MaxContentChars}))
	}

	msg, err := s.messages.EditMessage(sess.userID, frame.MessageID, frame.Content)
	if err != nil {
		return sess.sendStoreMapped("edit message", err)
	}

	s.broadcast(msg.ConversationID, &protocol.MessageEditedFrame{
		Type:      protocol.TypeMessageEdit,
		MessageID: msg.ID,
		Content:   msg.Content,
		UpdatedAt: msg.UpdatedAt,
	}, nil)
	return nil
}

func (sess *session) handleMessageDelete(frame *protocol.MessageDeleteFrame) error {
	s := sess.server

	msg, err := s.messages.DeleteMessage(sess.userID, frame.MessageID)
	if err != nil {
		return sess.sendStoreMapped("delete message", err)
	}

	s.broadcast(msg.ConversationID, &protocol.MessageDeletedFrame{
		Type:           protocol.TypeMessageDelete,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeletedAt:      *msg.DeletedAt,
	}, nil)
	return nil
}

func (sess *session) handleMessageForward(frame *protocol.MessageForwardFrame) error {
	s := sess.server

	msg, err := s.messages.ForwardMessage(sess.userID, frame.MessageID, frame.ConversationID)
	if err != nil {
		return sess.sendStoreMapped("forward message", err)
	}

	sess.subscribeParticipants(msg.ConversationID)
	s.broadcast(msg.ConversationID, &protocol.MessageForwardedFrame{
		Type:              protocol.TypeMessageForward,
		OriginalMessageID: frame.MessageID,
		NewMessageID:      msg.ID,
		ConversationID:    msg.ConversationID,
		ForwardedFromID:   *msg.ForwardedFromID,
		Content:           msg.Content,
		CreatedAt:         msg.CreatedAt,
	}, nil)
	return nil
}

func (sess *session) handleTypingStart(frame *protocol.TypingStartFrame) error {
	s := sess.server

	if ok, err := sess.requireMember(frame.ConversationID); !ok {
		return err
	}

	s.typing.Start(sess.userID, frame.ConversationID)
	s.broadcast(frame.ConversationID, &protocol.TypingEventFrame{
		Type:           protocol.TypeTypingStart,
		UserID:         sess.userID,
		UserName:       sess.userName,
		ConversationID: frame.ConversationID,
	}, excludeUser(sess.userID))
	return nil
}

func (sess *session) handleTypingStop(frame *protocol.TypingStopFrame) error {
	s := sess.server

	if ok, err := sess.requireMember(frame.ConversationID); !ok {
		return err
	}

	// A stop with no pending start is a no-op: the auto-stop already fired or
	// the client never started, and observers already saw a stop (or nothing).
	if !s.typing.Stop(sess.userID, frame.ConversationID) {
		return nil
	}

	s.broadcast(frame.ConversationID, &protocol.TypingEventFrame{
		Type:           protocol.TypeTypingStop,
		UserID:         sess.userID,
		UserName:       sess.userName,
		ConversationID: frame.ConversationID,
	}, excludeUser(sess.userID))
	return nil
}

func (sess *session) handleMarkRead(frame *protocol.MarkReadFrame) error {
	s := sess.server

	if err := s.messages.MarkRead(sess.userID, frame.ConversationID, frame.MessageID); err != nil {
		return sess.sendStoreMapped("mark read", err)
	}

	if err := sess.send(&protocol.MarkReadSuccessFrame{
		Type:           protocol.TypeMarkReadSuccess,
		MessageID:      frame.MessageID,
		ConversationID: frame.ConversationID,
	}); err != nil {
		return err
	}

	// Read receipts go to every other participant's live connections,
	// subscribed or not.
	participants, err := s.messages.Participants(frame.ConversationID)
	if err != nil {
		errorLog.Printf("conn %s: participants lookup failed: %v", sess.conn.ID, err)
		return nil
	}
	readFrame := &protocol.MessageReadFrame{
		Type:           protocol.TypeMessageRead,
		MessageID:      frame.MessageID,
		ConversationID: frame.ConversationID,
		ReaderID:       sess.userID,
		ReaderName:     sess.userName,
	}
	for _, participant := range participants {
		if participant == sess.userID {
			continue
		}
		sent := s.registry.SendToUser(participant, readFrame)
		s.metrics.RecordFramesSent(protocol.TypeMessageRead, sent)
	}
	s.metrics.RecordBroadcast(protocol.TypeMessageRead)
	return nil
}

func (sess *session) handleSubscribe(frame *protocol.SubscribeFrame) error {
	if ok, err := sess.requireMember(frame.ConversationID); !ok {
		return err
	}
	sess.server.registry.Subscribe(sess.conn.ID, frame.ConversationID)
	return nil
}

func (sess *session) handleUnsubscribe(frame *protocol.UnsubscribeFrame) error {
	// Idempotent: unsubscribing from a conversation never subscribed to is
	// fine, so no membership check is needed.
	sess.server.registry.Unsubscribe(sess.conn.ID, frame.ConversationID)
	return nil
}

func (sess *session) handleAck(frame *protocol.AckFrame) error {
	s := sess.server

	msg, err := s.messages.GetMessage(frame.MessageID)
	if err != nil {
		return sess.sendStoreMapped("ack lookup", err)
	}
	// A soft-deleted message is gone as far as clients are concerned.
	if msg.IsDeleted {
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeMessageNotFound, "Message not found", nil))
	}
	return sess.send(&protocol.MessageAckFrame{
		Type:      protocol.TypeMessageAck,
		MessageID: frame.MessageID,
		Status:    "delivered",
	})
}

func (sess *session) handlePing(*protocol.PingFrame) error {
	return sess.send(protocol.NewPongFrame())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validContent checks that message content is non-empty and within the
// configured character limit.
func (sess *session) validContent(content string) bool {
	if content == "" {
		return false
	}
	return utf8.RuneCountInString(content) <= sess.server.config.Limits.MaxContentChars
}

// requireMember verifies the session's user belongs to the conversation. On
// failure it sends the appropriate error frame and returns ok=false; the
// returned error is the send result and ends the session when non-nil.
func (sess *session) requireMember(convID uuid.UUID) (bool, error) {
	participants, err := sess.server.messages.Participants(convID)
	if err != nil {
		return false, sess.sendStoreMapped("participants lookup", err)
	}
	for _, p := range participants {
		if p == sess.userID {
			return true, nil
		}
	}
	return false, sess.send(protocol.NewErrorFrame(
		protocol.CodePermissionDenied, "Not a conversation participant", nil))
}

// subscribeParticipants implicitly subscribes every participant's live
// connections to the conversation.
func (sess *session) subscribeParticipants(convID uuid.UUID) {
	participants, err := sess.server.messages.Participants(convID)
	if err != nil {
		errorLog.Printf("conn %s: participants lookup failed: %v", sess.conn.ID, err)
		return
	}
	for _, participant := range participants {
		sess.server.registry.SubscribeUser(participant, convID)
	}
}

// sendStoreMapped translates store sentinels into the wire error taxonomy.
// Anything unrecognized is an internal error.
func (sess *session) sendStoreMapped(operation string, err error) error {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeConversationNotFound, "Conversation not found", nil))
	case errors.Is(err, store.ErrMessageNotFound), errors.Is(err, store.ErrMessageDeleted):
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeMessageNotFound, "Message not found", nil))
	case errors.Is(err, store.ErrUserNotFound):
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeUserNotFound, "User not found", nil))
	case errors.Is(err, store.ErrNotParticipant), errors.Is(err, store.ErrNotMessageOwner):
		return sess.send(protocol.NewErrorFrame(
			protocol.CodePermissionDenied, "Permission denied", nil))
	case errors.Is(err, store.ErrEmptyContent):
		return sess.send(protocol.NewErrorFrame(
			protocol.CodeInvalidContent, "Invalid message content", nil))
	default:
		return sess.storeError(operation, err)
	}
}

// excludeUser builds a broadcast filter that skips every connection owned by
// the given user.
func excludeUser(userID uuid.UUID) func(*Conn) bool {
	return func(c *Conn) bool { return c.UserID == userID }
}

// messageEvent builds the broadcast frame for a newly stored message.
func messageEvent(m *store.Message) *protocol.MessageEventFrame {
	return &protocol.MessageEventFrame{
		Type:            protocol.TypeMessage,
		ID:              m.ID,
		Content:         m.Content,
		SenderID:        m.SenderID,
		ConversationID:  m.ConversationID,
		ForwardedFromID: m.ForwardedFromID,
		SenderName:      m.SenderName,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		IsEdited:        m.IsEdited,
		IsDeleted:       m.IsDeleted,
	}
}
