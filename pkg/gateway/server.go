// Package gateway implements the real-time messaging gateway: WebSocket
// connection lifecycle, per-connection protocol state machine, sequence
// numbering, rate limiting, heartbeat supervision, typing auto-expiry and
// broadcast fan-out.
package gateway

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pingme/gateway/pkg/protocol"
	"github.com/pingme/gateway/pkg/store"
)

var (
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// InitLoggers wires the error logger to stderr. Call once at startup; tests
// leave both loggers discarded.
func InitLoggers(out io.Writer) {
	errorLog = log.New(out, "ERROR: ", log.LstdFlags)
}

// EnableDebugLogging turns on verbose per-frame logging.
func EnableDebugLogging(out io.Writer) {
	debugLog = log.New(out, "DEBUG: ", log.LstdFlags)
}

// TokenVerifier validates a bearer token and returns the user id it is bound
// to.
type TokenVerifier interface {
	Verify(token string) (uuid.UUID, error)
}

// UserDirectory resolves user identities and records presence edges.
type UserDirectory interface {
	GetUser(id uuid.UUID) (*store.User, error)
	SetUserPresence(id uuid.UUID, online bool, lastSeen time.Time) error
}

// MessageStore is the persistence surface the handlers need.
type MessageStore interface {
	CreateMessage(senderID, conversationID uuid.UUID, content string, forwardedFromID *uuid.UUID) (*store.Message, error)
	GetMessage(id uuid.UUID) (*store.Message, error)
	EditMessage(userID, messageID uuid.UUID, content string) (*store.Message, error)
	DeleteMessage(userID, messageID uuid.UUID) (*store.Message, error)
	ForwardMessage(userID, messageID, targetConversationID uuid.UUID) (*store.Message, error)
	MarkRead(userID, conversationID, messageID uuid.UUID) error
	Participants(conversationID uuid.UUID) ([]uuid.UUID, error)
}

// Deps bundles the server's collaborators.
type Deps struct {
	Verifier TokenVerifier
	Users    UserDirectory
	Messages MessageStore
	Metrics  *Metrics    // nil disables metrics
	Clock    clock.Clock // nil uses the wall clock
}

// Server is the gateway: it owns the listeners, the registry and the
// supervision services, and spawns one session per accepted connection.
type Server struct {
	config    Config
	registry  *Registry
	limiter   *RateLimiter
	typing    *TypingTracker
	heartbeat *HeartbeatSupervisor
	metrics   *Metrics
	verifier  TokenVerifier
	users     UserDirectory
	messages  MessageStore
	clock     clock.Clock

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[uuid.UUID]*Conn // every accepted conn, authenticated or not

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// NewServer wires a gateway from config and collaborators.
func NewServer(config Config, deps Deps) *Server {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Server{
		config:   config,
		registry: NewRegistry(),
		metrics:  deps.Metrics,
		verifier: deps.Verifier,
		users:    deps.Users,
		messages: deps.Messages,
		clock:    clk,
		conns:    make(map[uuid.UUID]*Conn),
		upgrader: websocket.Upgrader{
			// Oversized frames must be answered, not dropped, so the hard
			// transport limit sits above the soft limit checked per frame.
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.limiter = NewRateLimiter(clk, time.Minute, map[string]int{
		CategoryMessage: config.Limits.MessagesPerMinute,
		CategoryTyping:  config.Limits.TypingPerMinute,
		CategoryGeneral: config.Limits.GeneralPerMinute,
		CategoryAuth:    config.Limits.AuthPerMinute,
	})
	s.typing = NewTypingTracker(clk, config.TypingStopDelay(), s.typingExpired)
	s.heartbeat = NewHeartbeatSupervisor(clk, config.HeartbeatTimeout(), s.evictConn)

	s.registry.OnUserOnline = s.userOnline
	s.registry.OnUserOffline = s.userOffline
	return s
}

// Start opens the public WebSocket listener and the internal metrics
// listener, then returns. Serving continues in background goroutines until
// Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Gateway.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("Gateway listening on %s (/ws)", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("WebSocket server error: %v", err)
		}
	}()

	if s.metrics != nil && s.config.Gateway.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		s.metricsServer = &http.Server{Addr: s.config.Gateway.MetricsAddr, Handler: metricsMux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.config.Gateway.MetricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat.Run()
	}()

	return nil
}

// Addr returns the public listener's address. Useful when listening on :0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the gateway down: stop accepting, close every connection, stop
// the sweep loop and wait for all session goroutines to drain.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		if s.metricsServer != nil {
			s.metricsServer.Shutdown(ctx)
		}

		s.mu.Lock()
		conns := make([]*Conn, 0, len(s.conns))
		for _, conn := range s.conns {
			conns = append(conns, conn)
		}
		s.mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}

		s.heartbeat.Stop()
		s.wg.Wait()
		log.Println("Graceful shutdown complete")
	})
	return err
}

// handleWebSocket upgrades an HTTP request and runs the session until the
// connection dies.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	// Hard transport cap: frames beyond the soft limit still arrive so the
	// gateway can reject them politely, but nothing unbounded.
	ws.SetReadLimit(int64(s.config.Limits.MaxFrameBytes) * 4)

	conn := NewConn(ws, s.config.WriteDeadline())
	s.mu.Lock()
	s.conns[conn.ID] = conn
	s.mu.Unlock()
	s.heartbeat.Track(conn.ID)
	s.updateGauges()

	debugLog.Printf("conn %s: accepted from %s", conn.ID, conn.RemoteAddr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		newSession(s, conn).readLoop()
	}()
}

// teardown releases everything a session held. Runs exactly once per
// connection, on its read-loop goroutine.
func (s *Server) teardown(sess *session) {
	sess.state = stateClosed
	sess.conn.Close()
	s.heartbeat.Untrack(sess.conn.ID)

	s.mu.Lock()
	delete(s.conns, sess.conn.ID)
	s.mu.Unlock()

	_, wentOffline := s.registry.Unregister(sess.conn.ID)
	if wentOffline {
		// Pending typing indicators must not dangle after the user is gone:
		// cancel the timers and tell observers typing stopped.
		for _, convID := range s.typing.CancelUser(sess.userID) {
			s.broadcast(convID, &protocol.TypingEventFrame{
				Type:           protocol.TypeTypingStop,
				UserID:         sess.userID,
				UserName:       sess.userName,
				ConversationID: convID,
			}, excludeUser(sess.userID))
		}
		s.limiter.Reset(sess.userID)
	}
	s.updateGauges()
	debugLog.Printf("conn %s: closed", sess.conn.ID)
}

// evictConn closes a connection that missed its heartbeat deadline. The
// session's read loop observes the close and tears down as usual.
func (s *Server) evictConn(connID uuid.UUID) {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}

	debugLog.Printf("conn %s: evicted for missing heartbeats", connID)
	s.metrics.RecordHeartbeatEviction()
	conn.Close()
}

// typingExpired is the TypingTracker callback: synthesize the stop the client
// never sent.
func (s *Server) typingExpired(userID, convID uuid.UUID) {
	user, err := s.users.GetUser(userID)
	if err != nil {
		errorLog.Printf("typing expiry: user lookup failed: %v", err)
		return
	}
	s.broadcast(convID, &protocol.TypingEventFrame{
		Type:           protocol.TypeTypingStop,
		UserID:         userID,
		UserName:       user.Name,
		ConversationID: convID,
	}, excludeUser(userID))
}

// userOnline fires when a user's first connection registers.
func (s *Server) userOnline(userID uuid.UUID) {
	user, err := s.users.GetUser(userID)
	if err != nil {
		errorLog.Printf("presence: user lookup failed: %v", err)
		return
	}
	if err := s.users.SetUserPresence(userID, true, s.clock.Now()); err != nil {
		errorLog.Printf("presence: failed to record online state: %v", err)
	}

	frame := &protocol.UserOnlineFrame{
		Type:     protocol.TypeUserOnline,
		UserID:   userID,
		UserName: user.Name,
	}
	sent := s.registry.BroadcastToAll(frame, nil)
	s.metrics.RecordFramesSent(protocol.TypeUserOnline, sent)
	s.metrics.RecordBroadcast(protocol.TypeUserOnline)
}

// userOffline fires when a user's last connection unregisters.
func (s *Server) userOffline(userID uuid.UUID) {
	lastSeen := s.clock.Now()
	user, err := s.users.GetUser(userID)
	if err != nil {
		errorLog.Printf("presence: user lookup failed: %v", err)
		return
	}
	if err := s.users.SetUserPresence(userID, false, lastSeen); err != nil {
		errorLog.Printf("presence: failed to record offline state: %v", err)
	}

	frame := &protocol.UserOfflineFrame{
		Type:     protocol.TypeUserOffline,
		UserID:   userID,
		UserName: user.Name,
		LastSeen: lastSeen,
	}
	sent := s.registry.BroadcastToAll(frame, nil)
	s.metrics.RecordFramesSent(protocol.TypeUserOffline, sent)
	s.metrics.RecordBroadcast(protocol.TypeUserOffline)
}

// broadcast fans a frame out to a conversation's subscribers.
func (s *Server) broadcast(convID uuid.UUID, frame protocol.Outbound, exclude func(*Conn) bool) {
	sent := s.registry.BroadcastToConversation(convID, frame, exclude)
	s.metrics.RecordFramesSent(frame.OutboundType(), sent)
	s.metrics.RecordBroadcast(frame.OutboundType())
}

func (s *Server) updateGauges() {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()
	s.metrics.SetActiveConnections(active)
	s.metrics.SetOnlineUsers(s.registry.CountOnlineUsers())
}
