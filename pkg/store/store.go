// Package store provides the SQLite-backed persistence collaborator for the
// gateway: users, conversations, participants, messages and per-user read
// pointers. The gateway consumes it through the capability interfaces in
// pkg/gateway; nothing here knows about connections or frames.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrConversationNotFound indicates the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotParticipant indicates the user is not a member of the conversation.
	ErrNotParticipant = errors.New("user is not a conversation participant")
	// ErrNotMessageOwner indicates the caller did not author the message.
	ErrNotMessageOwner = errors.New("message not authored by this user")
	// ErrMessageDeleted indicates the message has already been soft-deleted.
	ErrMessageDeleted = errors.New("message already deleted")
	// ErrEmptyContent indicates the message body is empty.
	ErrEmptyContent = errors.New("message content is empty")
)

// User is an account row. Online state is derived by the gateway but mirrored
// here so the HTTP side of the system can read last_seen.
type User struct {
	ID       uuid.UUID
	Name     string
	IsOnline bool
	LastSeen time.Time
}

// Message is one message row, including soft-delete state.
type Message struct {
	ID              uuid.UUID
	ConversationID  uuid.UUID
	SenderID        uuid.UUID
	SenderName      string
	Content         string
	ForwardedFromID *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
	IsEdited        bool
	IsDeleted       bool
	DeletedAt       *time.Time
}

// Store wraps the SQLite connection pool.
type Store struct {
	conn *sql.DB
}

// Open opens the SQLite database at path and initializes the schema if
// needed. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows concurrent readers alongside the single writer. In-memory
	// databases reject WAL; ignore the error there.
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil && path != ":memory:" {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent frame handlers.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS User (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	is_online INTEGER NOT NULL DEFAULT 0,
	last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Conversation (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ConversationParticipant (
	conversation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	last_read_message_id TEXT,
	PRIMARY KEY (conversation_id, user_id),
	FOREIGN KEY (conversation_id) REFERENCES Conversation(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Message (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	forwarded_from_id TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	is_edited INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER,
	FOREIGN KEY (conversation_id) REFERENCES Conversation(id) ON DELETE CASCADE,
	FOREIGN KEY (sender_id) REFERENCES User(id)
);

CREATE INDEX IF NOT EXISTS idx_message_conversation ON Message(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_participant_user ON ConversationParticipant(user_id);
`
	_, err := s.conn.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// CreateUser inserts a user and returns it.
func (s *Store) CreateUser(name string) (*User, error) {
	u := &User{ID: uuid.New(), Name: name, LastSeen: time.Now().UTC()}
	_, err := s.conn.Exec(
		"INSERT INTO User (id, name, is_online, last_seen) VALUES (?, ?, 0, ?)",
		u.ID.String(), u.Name, u.LastSeen.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given id, or ErrUserNotFound.
func (s *Store) GetUser(id uuid.UUID) (*User, error) {
	var (
		u        User
		rawID    string
		online   int
		lastSeen int64
	)
	err := s.conn.QueryRow(
		"SELECT id, name, is_online, last_seen FROM User WHERE id = ?",
		id.String(),
	).Scan(&rawID, &u.Name, &online, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u.ID = uuid.MustParse(rawID)
	u.IsOnline = online != 0
	u.LastSeen = time.UnixMilli(lastSeen).UTC()
	return &u, nil
}

// SetUserPresence records the derived online state and last-seen time for a
// user. Called by the gateway on presence edges only.
func (s *Store) SetUserPresence(id uuid.UUID, online bool, lastSeen time.Time) error {
	res, err := s.conn.Exec(
		"UPDATE User SET is_online = ?, last_seen = ? WHERE id = ?",
		boolToInt(online), lastSeen.UnixMilli(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// CreateConversation inserts a conversation with the given participants.
func (s *Store) CreateConversation(participants []uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	tx, err := s.conn.Begin()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO Conversation (id, created_at) VALUES (?, ?)",
		id.String(), time.Now().UTC().UnixMilli(),
	); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	for _, userID := range participants {
		if _, err := tx.Exec(
			"INSERT INTO ConversationParticipant (conversation_id, user_id) VALUES (?, ?)",
			id.String(), userID.String(),
		); err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit conversation: %w", err)
	}
	return id, nil
}

// Participants returns the user ids of a conversation's members, or
// ErrConversationNotFound.
func (s *Store) Participants(conversationID uuid.UUID) ([]uuid.UUID, error) {
	var exists int
	err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM Conversation WHERE id = ?",
		conversationID.String(),
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	if exists == 0 {
		return nil, ErrConversationNotFound
	}

	rows, err := s.conn.Query(
		"SELECT user_id FROM ConversationParticipant WHERE conversation_id = ?",
		conversationID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt participant id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// IsParticipant reports whether the user is a member of the conversation.
func (s *Store) IsParticipant(conversationID, userID uuid.UUID) (bool, error) {
	var n int
	err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM ConversationParticipant WHERE conversation_id = ? AND user_id = ?",
		conversationID.String(), userID.String(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query participant: %w", err)
	}
	return n > 0, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// CreateMessage persists a new message. The sender must be a participant of
// the conversation.
func (s *Store) CreateMessage(senderID, conversationID uuid.UUID, content string, forwardedFromID *uuid.UUID) (*Message, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	if err := s.requireParticipant(conversationID, senderID); err != nil {
		return nil, err
	}
	sender, err := s.GetUser(senderID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &Message{
		ID:              uuid.New(),
		ConversationID:  conversationID,
		SenderID:        senderID,
		SenderName:      sender.Name,
		Content:         content,
		ForwardedFromID: forwardedFromID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	var forwarded any
	if forwardedFromID != nil {
		forwarded = forwardedFromID.String()
	}
	_, err = s.conn.Exec(
		`INSERT INTO Message (id, conversation_id, sender_id, content, forwarded_from_id, created_at, updated_at, is_edited)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		m.ID.String(), conversationID.String(), senderID.String(), content, forwarded,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return m, nil
}

// GetMessage returns a message row, or ErrMessageNotFound.
func (s *Store) GetMessage(id uuid.UUID) (*Message, error) {
	var (
		m                         Message
		rawID, rawConv, rawSender string
		forwarded                 sql.NullString
		createdAt, updatedAt      int64
		edited                    int
		deletedAt                 sql.NullInt64
	)
	err := s.conn.QueryRow(
		`SELECT m.id, m.conversation_id, m.sender_id, u.name, m.content, m.forwarded_from_id,
		        m.created_at, m.updated_at, m.is_edited, m.deleted_at
		 FROM Message m JOIN User u ON u.id = m.sender_id
		 WHERE m.id = ?`,
		id.String(),
	).Scan(&rawID, &rawConv, &rawSender, &m.SenderName, &m.Content, &forwarded,
		&createdAt, &updatedAt, &edited, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}

	m.ID = uuid.MustParse(rawID)
	m.ConversationID = uuid.MustParse(rawConv)
	m.SenderID = uuid.MustParse(rawSender)
	if forwarded.Valid {
		fid, err := uuid.Parse(forwarded.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt forwarded_from_id %q: %w", forwarded.String, err)
		}
		m.ForwardedFromID = &fid
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	m.IsEdited = edited != 0
	if deletedAt.Valid {
		t := time.UnixMilli(deletedAt.Int64).UTC()
		m.DeletedAt = &t
		m.IsDeleted = true
	}
	return &m, nil
}

// EditMessage replaces a message's content. Only the author may edit, and
// deleted messages cannot be edited.
func (s *Store) EditMessage(userID, messageID uuid.UUID, content string) (*Message, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	m, err := s.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, ErrNotMessageOwner
	}
	if m.IsDeleted {
		return nil, ErrMessageDeleted
	}

	now := time.Now().UTC()
	if _, err := s.conn.Exec(
		"UPDATE Message SET content = ?, updated_at = ?, is_edited = 1 WHERE id = ?",
		content, now.UnixMilli(), messageID.String(),
	); err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	m.Content = content
	m.UpdatedAt = now
	m.IsEdited = true
	return m, nil
}

// DeleteMessage soft-deletes a message. Only the author may delete.
func (s *Store) DeleteMessage(userID, messageID uuid.UUID) (*Message, error) {
	m, err := s.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, ErrNotMessageOwner
	}
	if m.IsDeleted {
		return nil, ErrMessageDeleted
	}

	now := time.Now().UTC()
	if _, err := s.conn.Exec(
		"UPDATE Message SET deleted_at = ? WHERE id = ?",
		now.UnixMilli(), messageID.String(),
	); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	m.DeletedAt = &now
	m.IsDeleted = true
	return m, nil
}

// ForwardMessage copies an existing message into the target conversation as a
// new message sent by userID, with forwarded_from_id pointing at the original.
func (s *Store) ForwardMessage(userID, messageID, targetConversationID uuid.UUID) (*Message, error) {
	original, err := s.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if original.IsDeleted {
		return nil, ErrMessageDeleted
	}
	// The forwarder must be able to see the original.
	if err := s.requireParticipant(original.ConversationID, userID); err != nil {
		return nil, err
	}
	forwardedFrom := original.ID
	return s.CreateMessage(userID, targetConversationID, original.Content, &forwardedFrom)
}

// MarkRead advances the user's last-read pointer in a conversation. The
// message must belong to the conversation and the user must be a participant.
func (s *Store) MarkRead(userID, conversationID, messageID uuid.UUID) error {
	m, err := s.GetMessage(messageID)
	if err != nil {
		return err
	}
	if m.ConversationID != conversationID {
		return ErrMessageNotFound
	}
	res, err := s.conn.Exec(
		"UPDATE ConversationParticipant SET last_read_message_id = ? WHERE conversation_id = ? AND user_id = ?",
		messageID.String(), conversationID.String(), userID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update read pointer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotParticipant
	}
	return nil
}

// LastRead returns the user's last-read message id in a conversation, or nil
// if nothing has been read yet.
func (s *Store) LastRead(userID, conversationID uuid.UUID) (*uuid.UUID, error) {
	var raw sql.NullString
	err := s.conn.QueryRow(
		"SELECT last_read_message_id FROM ConversationParticipant WHERE conversation_id = ? AND user_id = ?",
		conversationID.String(), userID.String(),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query read pointer: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(raw.String)
	if err != nil {
		return nil, fmt.Errorf("corrupt read pointer %q: %w", raw.String, err)
	}
	return &id, nil
}

func (s *Store) requireParticipant(conversationID, userID uuid.UUID) error {
	ok, err := s.IsParticipant(conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		// Distinguish "no such conversation" from "not a member".
		var n int
		if err := s.conn.QueryRow(
			"SELECT COUNT(*) FROM Conversation WHERE id = ?", conversationID.String(),
		).Scan(&n); err != nil {
			return fmt.Errorf("failed to query conversation: %w", err)
		}
		if n == 0 {
			return ErrConversationNotFound
		}
		return ErrNotParticipant
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
