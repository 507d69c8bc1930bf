package gateway

// End-to-end journeys: a real gateway listening on a random port, exercised
// through real WebSocket clients. Each test spins up its own server and
// database so they can run in parallel without sharing state.

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pingme/gateway/pkg/auth"
	"github.com/pingme/gateway/pkg/store"
)

// ---------------------------------------------------------------------------
// WebSocket test client
//
// A persistent reader goroutine feeds decoded frames into a buffered channel,
// so expect/tryRead never race on the underlying connection.
// ---------------------------------------------------------------------------

type wsClient struct {
	conn      *websocket.Conn
	frames    chan map[string]any
	closeOnce sync.Once
}

func dialClient(t *testing.T, addr string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		t.Fatalf("WebSocket connect to %s failed: %v", addr, err)
	}
	c := &wsClient{
		conn:   conn,
		frames: make(chan map[string]any, 64),
	}
	go c.readLoop()
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]any
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		c.frames <- frame
	}
}

func (c *wsClient) send(t *testing.T, frame map[string]any) {
	t.Helper()
	if err := c.conn.WriteJSON(frame); err != nil {
		t.Fatalf("send %v: %v", frame["type"], err)
	}
}

func (c *wsClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send raw frame: %v", err)
	}
}

// expect reads the next frame, skipping presence broadcasts (they arrive
// asynchronously), and asserts its type.
func (c *wsClient) expect(t *testing.T, want string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case frame, ok := <-c.frames:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", want)
			}
			typ, _ := frame["type"].(string)
			if typ != want && (typ == "user_online" || typ == "user_offline") {
				continue
			}
			if typ != want {
				t.Fatalf("expected %q frame, got %q: %v", want, typ, frame)
			}
			return frame
		case <-deadline:
			t.Fatalf("timeout waiting for %q frame", want)
		}
	}
}

// expectError asserts the next frame is an error with the given code.
func (c *wsClient) expectError(t *testing.T, code string) map[string]any {
	t.Helper()
	frame := c.expect(t, "error", 2*time.Second)
	require.Equal(t, code, frame["code"], "unexpected error: %v", frame["message"])
	return frame
}

// tryRead returns the next frame within timeout, or nil if nothing arrived
// (or the connection closed).
func (c *wsClient) tryRead(timeout time.Duration) map[string]any {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			return nil
		}
		return frame
	case <-time.After(timeout):
		return nil
	}
}

// expectSilence asserts nothing but presence broadcasts arrives within the
// window.
func (c *wsClient) expectSilence(t *testing.T, window time.Duration) {
	t.Helper()
	for {
		frame := c.tryRead(window)
		if frame == nil {
			return
		}
		typ, _ := frame["type"].(string)
		if typ == "user_online" || typ == "user_offline" {
			continue
		}
		t.Fatalf("expected silence, got %q frame: %v", typ, frame)
	}
}

// drain discards everything that arrives within the window.
func (c *wsClient) drain(window time.Duration) {
	for c.tryRead(window) != nil {
	}
}

// expectClosed asserts the server closes the connection within timeout.
func (c *wsClient) expectClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection still open")
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

// ---------------------------------------------------------------------------
// Server fixture
// ---------------------------------------------------------------------------

type journeyEnv struct {
	addr     string
	db       *store.Store
	verifier *auth.Verifier

	alice, bob, carol *store.User
	conv              uuid.UUID // conversation with all three users
}

func setupJourney(t *testing.T, mutate func(*Config)) *journeyEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)

	env := &journeyEnv{db: db, verifier: auth.NewVerifier("journey-secret")}
	env.alice, err = db.CreateUser("alice")
	require.NoError(t, err)
	env.bob, err = db.CreateUser("bob")
	require.NoError(t, err)
	env.carol, err = db.CreateUser("carol")
	require.NoError(t, err)
	env.conv, err = db.CreateConversation([]uuid.UUID{env.alice.ID, env.bob.ID, env.carol.ID})
	require.NoError(t, err)

	config := DefaultConfig()
	config.Gateway.ListenAddr = "127.0.0.1:0"
	config.Gateway.MetricsAddr = ""
	if mutate != nil {
		mutate(&config)
	}

	server := NewServer(config, Deps{
		Verifier: env.verifier,
		Users:    db,
		Messages: db,
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		server.Stop()
		db.Close()
	})
	env.addr = server.Addr().String()
	return env
}

// connectAs dials and authenticates a client for the given user.
func (env *journeyEnv) connectAs(t *testing.T, user *store.User) *wsClient {
	t.Helper()
	c := dialClient(t, env.addr)
	token, err := env.verifier.Mint(user.ID, time.Hour)
	require.NoError(t, err)
	c.send(t, map[string]any{"type": "auth", "token": token})
	success := c.expect(t, "auth_success", 2*time.Second)
	require.Equal(t, user.ID.String(), success["user_id"])
	require.Equal(t, user.Name, success["user_name"])
	return c
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourneyMessageFlow(t *testing.T) {
	env := setupJourney(t, nil)
	alice := env.connectAs(t, env.alice)
	bob := env.connectAs(t, env.bob)

	alice.send(t, map[string]any{
		"type":            "message",
		"conversation_id": env.conv.String(),
		"content":         "Hello from test client!",
	})

	// Sender and recipient both see the broadcast; recipients are
	// implicitly subscribed.
	for _, c := range []*wsClient{alice, bob} {
		frame := c.expect(t, "message", 2*time.Second)
		require.Equal(t, "Hello from test client!", frame["content"])
		require.Equal(t, env.alice.ID.String(), frame["sender_id"])
		require.Equal(t, "alice", frame["sender_name"])
		require.Equal(t, env.conv.String(), frame["conversation_id"])
		require.Equal(t, false, frame["is_edited"])
		require.Equal(t, false, frame["is_deleted"])
		require.NotEmpty(t, frame["id"])
		require.Greater(t, frame["sequence"], float64(0))
	}
}

func TestJourneySequencesAreGapless(t *testing.T) {
	env := setupJourney(t, nil)

	alice := dialClient(t, env.addr)
	token, err := env.verifier.Mint(env.alice.ID, time.Hour)
	require.NoError(t, err)
	alice.send(t, map[string]any{"type": "auth", "token": token})

	// auth_success is the first sequenced frame on the connection.
	success := alice.expect(t, "auth_success", 2*time.Second)
	require.Equal(t, float64(1), success["sequence"])

	bob := env.connectAs(t, env.bob)
	for i := 0; i < 3; i++ {
		bob.send(t, map[string]any{
			"type":            "message",
			"conversation_id": env.conv.String(),
			"content":         fmt.Sprintf("msg %d", i),
		})
		bob.expect(t, "message", 2*time.Second)
	}

	// Alice's connection saw auth_success, bob's user_online and three
	// message broadcasts. Sequences must be 1..5 with no gaps, regardless
	// of frame type.
	want := float64(2)
	for i := 0; i < 4; i++ {
		frame := alice.tryRead(2 * time.Second)
		require.NotNil(t, frame, "expected a sequenced frame")
		require.Equal(t, want, frame["sequence"], "gap at frame type %v", frame["type"])
		want++
	}
}

func TestJourneyConcurrentSenderSequences(t *testing.T) {
	env := setupJourney(t, nil)
	alice := env.connectAs(t, env.alice)
	bob := env.connectAs(t, env.bob)
	carol := env.connectAs(t, env.carol)

	// Two senders race their broadcasts onto alice's connection.
	const perSender = 5
	var wg sync.WaitGroup
	for _, sender := range []*wsClient{bob, carol} {
		wg.Add(1)
		go func(c *wsClient) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				err := c.conn.WriteJSON(map[string]any{
					"type":            "message",
					"conversation_id": env.conv.String(),
					"content":         fmt.Sprintf("racing %d", i),
				})
				if err != nil {
					t.Errorf("concurrent send failed: %v", err)
					return
				}
			}
		}(sender)
	}
	wg.Wait()

	// auth_success was sequence 1; everything alice sees after it, in
	// arrival order, must be strictly increasing with no gaps no matter
	// how the broadcasts interleaved.
	messages := 0
	want := float64(2)
	for messages < 2*perSender {
		frame := alice.tryRead(2 * time.Second)
		require.NotNil(t, frame, "expected %d more message frames", 2*perSender-messages)
		require.Equal(t, want, frame["sequence"], "gap at %q frame", frame["type"])
		want++
		if frame["type"] == "message" {
			messages++
		}
	}
}

func TestJourneyAuthRequired(t *testing.T) {
	env := setupJourney(t, nil)
	c := dialClient(t, env.addr)

	c.send(t, map[string]any{
		"type":            "message",
		"conversation_id": env.conv.String(),
		"content":         "sneaky",
	})
	c.expectError(t, "AUTH_REQUIRED")

	// The connection survives and can still authenticate.
	token, err := env.verifier.Mint(env.alice.ID, time.Hour)
	require.NoError(t, err)
	c.send(t, map[string]any{"type": "auth", "token": token})
	c.expect(t, "auth_success", 2*time.Second)
}

func TestJourneyAuthFailures(t *testing.T) {
	env := setupJourney(t, nil)

	c := dialClient(t, env.addr)
	c.send(t, map[string]any{"type": "auth", "token": "garbage"})
	c.expectError(t, "AUTH_FAILED")

	// Valid signature but unknown user.
	ghost, err := env.verifier.Mint(uuid.New(), time.Hour)
	require.NoError(t, err)
	c.send(t, map[string]any{"type": "auth", "token": ghost})
	c.expectError(t, "AUTH_FAILED")
}

func TestJourneyDoubleAuthRejected(t *testing.T) {
	env := setupJourney(t, nil)
	c := env.connectAs(t, env.alice)

	token, err := env.verifier.Mint(env.alice.ID, time.Hour)
	require.NoError(t, err)
	c.send(t, map[string]any{"type": "auth", "token": token})
	c.expectError(t, "INVALID_MESSAGE")
}

func TestJourneyViolationLimitClosesConnection(t *testing.T) {
	env := setupJourney(t, func(c *Config) {
		c.Limits.ViolationLimit = 3
	})
	c := dialClient(t, env.addr)

	for i := 0; i < 3; i++ {
		c.send(t, map[string]any{"type": "no_such_frame"})
		c.expectError(t, "INVALID_MESSAGE")
	}
	c.expectClosed(t, 2*time.Second)
}

func TestJourneyPingPong(t *testing.T) {
	env := setupJourney(t, nil)
	c := env.connectAs(t, env.alice)

	c.send(t, map[string]any{"type": "ping"})
	pong := c.expect(t, "pong", 2*time.Second)

	_, hasSeq := pong["sequence"]
	require.False(t, hasSeq, "pong must not consume a sequence number")
}

func TestJourneyTypingAutoStop(t *testing.T) {
	env := setupJourney(t, func(c *Config) {
		c.Typing.StopDelaySeconds = 1
	})
	alice := env.connectAs(t, env.alice)
	bob := env.connectAs(t, env.bob)

	bob.send(t, map[string]any{"type": "subscribe", "conversation_id": env.conv.String()})
	time.Sleep(100 * time.Millisecond) // let the subscribe land

	alice.send(t, map[string]any{"type": "typing_start", "conversation_id": env.conv.String()})

	start := bob.expect(t, "typing_start", 2*time.Second)
	require.Equal(t, env.alice.ID.String(), start["user_id"])
	require.Equal(t, "alice", start["user_name"])

	// No explicit stop: the gateway synthesizes one after the delay.
	stop := bob.expect(t, "typing_stop", 3*time.Second)
	require.Equal(t, env.alice.ID.String(), stop["user_id"])

	// Exactly once.
	bob.expectSilence(t, 1500*time.Millisecond)

	// The typist never hears their own indicator.
	alice.expectSilence(t, 100*time.Millisecond)
}

func TestJourneyExplicitTypingStop(t *testing.T) {
	env := setupJourney(t, func(c *Config) {
		c.Typing.StopDelaySeconds = 1
	})
	alice := env.connectAs(t, env.alice)
	bob := env.connectAs(t, env.bob)

	bob.send(t, map[string]any{"type": "subscribe", "conversation_id": env.conv.String()})
	time.Sleep(100 * time.Millisecond)

	alice.send(t, map[string]any{"type": "typing_start", "conversation_id": env.conv.String()})
	bob.expect(t, "typing_start", 2*time.Second)

	alice.send(t, map[string]any{"type": "typing_stop", "conversation_id": env.conv.String()})
	bob.expect(t, "typing_stop", 2*time.Second)

	// The cancelled timer must not produce a second stop.
	bob.expectSilence(t, 1500*time.Millisecond)
}

func TestJourneyMarkReadFanout(t *testing.T) {
	env := setupJourney(t, nil)
	alice := env.connectAs(t, env.alice)
	bob := env.connectAs(t, env.bob)
	carol := env.connectAs(t, env.carol)

	alice.send(t, map[string]any{
		"type":            "message",
		"conversation_id": env.conv.String(),
		"content":         "read me",
	})
	msg := alice.expect(t, "message", 2*time.Second)
	bob.expect(t, "message", 2*time.Second)
	carol.expect(t, "message", 2*time.Second)

	bob.send(t, map[string]any{
		"type":            "mark_read",
		"message_id":      msg["id"],
		"conversation_id": env.conv.String(),
	})

	// Reader gets the confirmation, the other participants get the receipt.
	success := bob.expect(t, "mark_read_success", 2*time.Second)
	require.Equal(t, msg["id"], success["message_id"])

	for _, c := range []*wsClient{alice, carol} {
		receipt := c.expect(t, "message_read", 2*time.Second)
		require.Equal(t, msg["id"], receipt["message_id"])
		require.Equal(t, env.bob.ID.String(), receipt["reader_id"])
		require.Equal(t, "bob", receipt["reader_name"])
	}

	// The reader never receives their own receipt.
	bob.expectSilence(t, 300*time.Millisecond)
}

func TestJourneyRateLimitBoundary(t *testing.T) {
	env := setupJourney(t, func(c *Config) {
		c.Limits.MessagesPerMinute = 3
	})
	alice := env.connectAs(t, env.alice)

	for i := 0; i < 3; i++ {
		alice.send(t, map[string]any{
			"type":            "message",
			"conversation_id": env.conv.String(),
			"content":         fmt.Sprintf("msg %d", i),
		})
		alice.expect(t, "message", 2*time.Second)
	}

	alice.send(t, map[string]any{
		"type":            "message",
		"conversation_id": env.conv.String(),
		"content":         "one too many",
	})
	frame := alice.expectError(t, "RATE_LIMIT_EXCEEDED")
	details, _ := frame["details"].(map[string]any)
	require.Equal(t, "message", details["category"])

	// Typing uses a separate bucket and still works.
	alice.send(t, map[string]any{"type": "typing_start", "conversation_id": env.conv.String()})
	alice.expectSilence(t, 300*time.Millisecond)
}

func TestJourneyPresenceEdges(t *testing.T) {
	env := setupJourney(t, nil)
	alice := env.connectAs(t, env.alice)
	alice.drain(200 * time.Millisecond)

	// First bob connection: exactly one user_online.
	bob1 := env.connectAs(t, env.bob)
	online := alice.tryRead(2 * time.Second)
	require.NotNil(t, online)
	require.Equal(t, "user_online", online["type"])
	require.Equal(t, env.bob.ID.String(), online["user_id"])

	// Second connection of the same user is not an edge.
	bob2 := env.connectAs(t, env.bob)
	require.Nil(t, alice.tryRead(500*time.Millisecond), "no duplicate user_online")

	// Closing one of two connections is not an edge either.
	bob1.close()
	require.Nil(t, alice.tryRead(500*time.Millisecond), "no premature user_offline")

	// Closing the last one is.
	bob2.close()
	offline := alice.tryRead(2 * time.Second)
	require.NotNil(t, offline)
	require.Equal(t, "user_offline", offline["type"])
	require.Equal(t, env.bob.ID.String(), offline["user_id"])
	require.NotEmpty(t, offline["last_seen"])
}

func TestJourneyOversizedFrame(t *testing.T) {
	env := setupJourney(t, func(c *Config) {
		c.Limits.MaxFrameBytes = 256
	})
	c := env.connectAs(t, env.alice)

	big := fmt.Sprintf(`{"type":"message","conversation_id":%q,"content":%q}`,
		env.conv.String(), strings.Repeat("x", 400))
	c.sendRaw(t, []byte(big))

	frame := c.expectError(t, "INVALID_MESSAGE")
	details, _ := frame["details"].(map[string]any)
	require.Equal(t, float64(256), details["limit"])

	// Connection stays open.
	c.send(t, map[string]any{"type": "ping"})
	c.expect(t, "pong", 2*time.Second)
}

func TestJourneyContentValidation(t *testing.T) {
	env := setupJourney(t, func(c *Config) {
		c.Limits.MaxContentChars = 10
	})
	c := env.connectAs(t, env.alice)

	c.send(t, map[string]any{
		"type":            "message",
		"conversation_id": env.conv.String(),
		"content":         "",
	})
	c.expectError(t, "INVALID_CONTENT")

	c.send(t, map[string]any{
		"type":            "message",
		"conversation_id": env.conv.String(),
		"content":         "this is far too long",
	})
	c.expectError(t, "INVALID_CONTENT")
}

func TestJourneyHeartbeatEviction(t *testing.T) {
	env := setupJourney(t, func(c *Config) {
		c.Heartbeat.TimeoutSeconds = 1
	})
	c := env.connectAs(t, env.alice)

	// Total silence after auth: the sweep evicts the connection.
	c.expectClosed(t, 5*time.Second)
}

func TestJourneyEditAndDelete(t *testing.T) {
	env := setupJourney(t, nil)
	alice := env.connectAs(t, env.alice)
	bob := env.connectAs(t, env.bob)

	alice.send(t, map[string]any{
		"type":            "message",
		"conversation_id": env.conv.String(),
		"content":         "draft",
	})
	msg := alice.expect(t, "message", 2*time.Second)
	bob.expect(t, "message", 2*time.Second)

	// Only the author may edit.
	bob.send(t, map[string]any{
		"type":       "message_edit",
		"message_id": msg["id"],
		"content":    "hijacked",
	})
	bob.expectError(t, "PERMISSION_DENIED")

	alice.send(t, map[string]any{
		"type":       "message_edit",
		"message_id": msg["id"],
		"content":    "final",
	})
	edit := bob.expect(t, "message_edit", 2*time.Second)
	require.Equal(t, msg["id"], edit["message_id"])
	require.Equal(t, "final", edit["content"])
	alice.expect(t, "message_edit", 2*time.Second)

	alice.send(t, map[string]any{"type": "message_delete", "message_id": msg["id"]})
	del := bob.expect(t, "message_delete", 2*time.Second)
	require.Equal(t, msg["id"], del["message_id"])
	require.Equal(t, env.conv.String(), del["conversation_id"])
	require.NotEmpty(t, del["deleted_at"])
	alice.expect(t, "message_delete", 2*time.Second)

	// Deleted messages cannot be edited.
	alice.send(t, map[string]any{
		"type":       "message_edit",
		"message_id": msg["id"],
		"content":    "too late",
	})
	alice.expectError(t, "MESSAGE_NOT_FOUND")
}

func TestJourneyForward(t *testing.T) {
	env := setupJourney(t, nil)
	pair, err := env.db.CreateConversation([]uuid.UUID{env.alice.ID, env.carol.ID})
	require.NoError(t, err)

	alice := env.connectAs(t, env.alice)
	carol := env.connectAs(t, env.carol)

	alice.send(t, map[string]any{
		"type":            "message",
		"conversation_id": env.conv.String(),
		"content":         "worth sharing",
	})
	original := alice.expect(t, "message", 2*time.Second)
	carol.expect(t, "message", 2*time.Second)

	alice.send(t, map[string]any{
		"type":            "message_forward",
		"message_id":      original["id"],
		"conversation_id": pair.String(),
	})

	fwd := carol.expect(t, "message_forward", 2*time.Second)
	require.Equal(t, original["id"], fwd["original_message_id"])
	require.Equal(t, original["id"], fwd["forwarded_from_id"])
	require.Equal(t, pair.String(), fwd["conversation_id"])
	require.Equal(t, "worth sharing", fwd["content"])
	require.NotEqual(t, original["id"], fwd["new_message_id"])
}

func TestJourneyAck(t *testing.T) {
	env := setupJourney(t, nil)
	alice := env.connectAs(t, env.alice)
	bob := env.connectAs(t, env.bob)

	alice.send(t, map[string]any{
		"type":            "message",
		"conversation_id": env.conv.String(),
		"content":         "ack me",
	})
	msg := bob.expect(t, "message", 2*time.Second)

	bob.send(t, map[string]any{"type": "ack", "message_id": msg["id"]})
	ack := bob.expect(t, "message_ack", 2*time.Second)
	require.Equal(t, msg["id"], ack["message_id"])
	require.Equal(t, "delivered", ack["status"])

	// Acks are point-to-point; the sender hears nothing.
	alice.expect(t, "message", 2*time.Second)
	alice.expectSilence(t, 300*time.Millisecond)

	bob.send(t, map[string]any{"type": "ack", "message_id": uuid.New().String()})
	bob.expectError(t, "MESSAGE_NOT_FOUND")

	// Once the message is deleted it can no longer be acknowledged.
	alice.send(t, map[string]any{"type": "message_delete", "message_id": msg["id"]})
	bob.expect(t, "message_delete", 2*time.Second)
	bob.send(t, map[string]any{"type": "ack", "message_id": msg["id"]})
	bob.expectError(t, "MESSAGE_NOT_FOUND")
}

func TestJourneyPermissions(t *testing.T) {
	env := setupJourney(t, nil)
	pair, err := env.db.CreateConversation([]uuid.UUID{env.alice.ID, env.bob.ID})
	require.NoError(t, err)

	carol := env.connectAs(t, env.carol)

	carol.send(t, map[string]any{
		"type":            "message",
		"conversation_id": pair.String(),
		"content":         "let me in",
	})
	carol.expectError(t, "PERMISSION_DENIED")

	carol.send(t, map[string]any{"type": "subscribe", "conversation_id": pair.String()})
	carol.expectError(t, "PERMISSION_DENIED")

	carol.send(t, map[string]any{
		"type":            "message",
		"conversation_id": uuid.New().String(),
		"content":         "void",
	})
	carol.expectError(t, "CONVERSATION_NOT_FOUND")

	carol.send(t, map[string]any{
		"type":       "message_edit",
		"message_id": uuid.New().String(),
		"content":    "phantom",
	})
	carol.expectError(t, "MESSAGE_NOT_FOUND")

	// Unsubscribe is idempotent even without membership.
	carol.send(t, map[string]any{"type": "unsubscribe", "conversation_id": pair.String()})
	carol.expectSilence(t, 300*time.Millisecond)
}
