package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"messenger/logging"
	"messenger/models"
	"messenger/protocol"
	"messenger/session"
	"messenger/telemetry"
)

// Store is the persistence the router depends on; *db.DB implements it.
type Store interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (int64, error)
	Authenticate(ctx context.Context, login, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	AddContact(ctx context.Context, ownerID, contactID int64) error
	ContactExists(ctx context.Context, ownerID, contactID int64) (bool, error)
	ContactsWithPreview(ctx context.Context, ownerID int64) ([]models.ContactPreview, error)
	AddMessage(ctx context.Context, msg *models.Message) (int64, error)
	GetChatHistory(ctx context.Context, userID, contactID int64) ([]models.Message, error)
	MarkRead(ctx context.Context, senderID, receiverID int64) (int64, error)
	Ping(ctx context.Context) error
}

type ServerConfig struct {
	Port         int
	IdleTimeout  time.Duration // 0 keeps idle connections open
	WriteTimeout time.Duration
	KeepAlive    time.Duration
	MaxFrameSize int
	// StrictAuth requires a logged-in connection for every action except
	// login and register, acting only as the session user.
	StrictAuth bool
}

type Server struct {
	store    Store
	config   *ServerConfig
	sessions *session.Registry
	log      *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	closing bool
	wg      sync.WaitGroup
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(store Store, config *ServerConfig, opts ...Option) *Server {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	s := &Server{
		store:    store,
		config:   config,
		sessions: session.NewRegistry(),
		log:      logging.Discard(),
		tracer:   telemetry.Tracer(),
		now:      time.Now,
		clients:  make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.metrics.watchSessions(s.sessions)

	return s
}

// Sessions exposes the live registry for read-only consumers such as the
// admin endpoints.
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

// ListenAndServe binds the configured TCP port and serves until ctx is
// cancelled. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: s.config.KeepAlive}
	listener, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener and runs one router goroutine per
// connection. It closes listener and returns nil once ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info("messenger server started", "addr", listener.Addr().String())

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.log.Error("accept failed", "err", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.track() {
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// track counts a new router goroutine unless the server is closing.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Close drops every live connection and waits for their routers to exit.
// Connections that arrive afterwards are closed on registration.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// client is the router's view of one connection. state and userID are
// only touched by the connection's own goroutine.
type client struct {
	id     string
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	base   *slog.Logger
	log    *slog.Logger

	state  State
	userID int64
}

func (c *client) ID() string { return c.id }

func (c *client) Send(v any) error {
	return c.writer.Encode(v)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		reader: protocol.NewReader(conn, s.config.MaxFrameSize),
		writer: protocol.NewWriter(conn, s.config.WriteTimeout),
	}
	c.base = s.log.With("conn", c.id, "remote", conn.RemoteAddr().String())
	c.log = c.base

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()

	defer func() {
		s.disconnect(c)
		conn.Close()

		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.metrics.ConnectionsActive.Dec()
	}()

	c.log.Info("client connected")

	for {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		frame, err := c.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				s.metrics.observe("invalid", protocol.StatusError, 0)
				s.reply(c, protocol.Error("", "Frame too large"))
				continue
			}
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &netErr) && netErr.Timeout():
				c.log.Info("closing idle connection")
			default:
				c.log.Warn("read failed", "err", err)
			}
			return
		}

		s.handleFrame(ctx, c, frame)
	}
}

// disconnect moves c to Closed and releases its session binding.
func (s *Server) disconnect(c *client) {
	c.state = StateClosed
	if userID, ok := s.sessions.Unbind(c); ok {
		c.log.Info("client disconnected", "user_id", userID)
		return
	}
	c.log.Info("client disconnected")
}

func (s *Server) reply(c *client, v any) {
	if err := c.Send(v); err != nil {
		c.log.Warn("write failed", "err", err)
	}
}
