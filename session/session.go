// Package session owns the persistent WebSocket connection to the host.
//
// A Session outlives any single connection: the receive loop dispatches
// inbound frames one at a time, and when the connection drops the session
// transparently reconnects with capped, jittered exponential backoff and
// re-runs the caller's onReconnect hook (which re-authenticates with the
// host and announces still-open transactions). Only an exhausted retry
// budget, a rejected credential, or an explicit Close ends the session
// for good.
//
// Concurrency: Send is safe for any number of goroutines; writes are
// serialized by a mutex so frames never interleave on the wire. Reads stay
// on a single goroutine because frame dispatch order is what makes
// resume-after-reconnect replay correct.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionClosed reports a permanently closed session.
	ErrConnectionClosed = errors.New("session: connection closed")
	// ErrNotConnected reports a send attempted while the session is
	// between connections. Callers retry; the session will be back or
	// permanently closed.
	ErrNotConnected = errors.New("session: not connected")
)

// AuthError is fatal: the host rejected the API key. No retry.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session: authentication rejected (HTTP %d)", e.Status)
}

// ConnectError is a network-level connection failure, recoverable by the
// backoff loop.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "session: connect failed: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// Backoff controls the reconnect delay: capped exponential with jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Config carries the connection parameters. Zero fields get defaults.
type Config struct {
	Endpoint   string
	APIKey     string
	InstanceID string

	PingInterval   time.Duration // liveness ping period
	PingTimeout    time.Duration // pong window before the connection is declared dead
	SendTimeout    time.Duration // per-frame write deadline
	ConnectTimeout time.Duration // dial + handshake deadline

	Backoff    Backoff
	MaxRetries int // consecutive failed reconnect attempts before giving up
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 10 * time.Second
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 5 * time.Second
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.Backoff.Initial <= 0 {
		out.Backoff.Initial = 500 * time.Millisecond
	}
	if out.Backoff.Max <= 0 {
		out.Backoff.Max = 30 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 10
	}
	return out
}

// Session is one logical connection to the host, surviving transient
// drops of the underlying socket.
type Session struct {
	cfg    Config
	logger *slog.Logger

	onMessage   func(ctx context.Context, data []byte)
	onReconnect func()

	mu        sync.Mutex // serializes writes and guards conn swaps
	conn      *websocket.Conn
	connected atomic.Bool

	reconnects atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	closeMu   sync.Mutex
}

// Dial connects to the host and starts the receive and heartbeat loops.
// onMessage receives every inbound frame, one at a time, in delivery
// order. onReconnect runs on its own goroutine after every successful
// reconnect (not after the initial connect).
func Dial(ctx context.Context, cfg Config, logger *slog.Logger, onMessage func(ctx context.Context, data []byte), onReconnect func()) (*Session, error) {
	s := &Session{
		cfg:         cfg.withDefaults(),
		logger:      logger.With("component", "session"),
		onMessage:   onMessage,
		onReconnect: onReconnect,
		done:        make(chan struct{}),
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.setConn(conn)

	go s.run(ctx, conn)
	return s, nil
}

// dial establishes one connection. A 401/403 upgrade rejection is an
// AuthError and never retried; anything else is a recoverable
// ConnectError.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	header := http.Header{}
	header.Set("x-api-key", s.cfg.APIKey)
	header.Set("x-instance-id", s.cfg.InstanceID)

	conn, resp, err := dialer.DialContext(ctx, s.cfg.Endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode}
		}
		return nil, &ConnectError{Err: err}
	}

	// Heartbeat bookkeeping: every pong extends the read deadline. If the
	// host stops answering pings, the blocked read fails and forces a
	// reconnect.
	deadline := s.cfg.PingInterval + s.cfg.PingTimeout
	conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})
	return conn, nil
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(conn != nil)
}

// run drives one connection at a time: a heartbeat goroutine plus the
// single-threaded read loop, then the reconnect dance when the read loop
// exits.
func (s *Session) run(ctx context.Context, conn *websocket.Conn) {
	for {
		stopPing := make(chan struct{})
		go s.pingLoop(conn, stopPing)

		err := s.readLoop(ctx, conn)
		close(stopPing)
		s.setConn(nil)
		conn.Close() //nolint:errcheck

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.closeWith(ctx.Err())
			return
		default:
		}

		s.logger.Warn("connection lost, reconnecting", "error", err)

		next, rerr := s.reconnect(ctx)
		if rerr != nil {
			s.closeWith(rerr)
			return
		}
		conn = next
		s.setConn(conn)
		s.reconnects.Add(1)
		s.logger.Info("reconnected", "attempts_total", s.reconnects.Load())

		if s.onReconnect != nil {
			// Own goroutine: the hook issues RPCs whose responses arrive
			// through the read loop we are about to enter.
			go s.onReconnect()
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.onMessage(ctx, data)
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.SendTimeout))
			s.mu.Unlock()
			if err != nil {
				conn.Close() //nolint:errcheck
				return
			}
		}
	}
}

// reconnect retries with capped, jittered exponential backoff until it
// succeeds, the retry budget runs out, or the failure is fatal.
func (s *Session) reconnect(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		select {
		case <-s.done:
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.backoffDelay(attempt)):
		}

		conn, err := s.dial(ctx)
		if err == nil {
			return conn, nil
		}

		var auth *AuthError
		if errors.As(err, &auth) {
			return nil, err // credentials went bad; retry cannot help
		}
		lastErr = err
		s.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("session: reconnect budget exhausted after %d attempts: %w", s.cfg.MaxRetries, lastErr)
}

func (s *Session) backoffDelay(attempt int) time.Duration {
	delay := s.cfg.Backoff.Initial << attempt
	if delay > s.cfg.Backoff.Max || delay <= 0 {
		delay = s.cfg.Backoff.Max
	}
	// Half fixed, half jitter, so as to avoid thundering herds of clients
	// reconnecting in lockstep.
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
}

// Send writes one frame. Safe for concurrent use; frames are serialized
// and delivered in per-connection order. Fails with ErrNotConnected
// between connections and ErrConnectionClosed after Close.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout)) //nolint:errcheck
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether a live connection currently exists.
func (s *Session) Connected() bool { return s.connected.Load() }

// Reconnects reports how many times the session has reconnected.
func (s *Session) Reconnects() uint64 { return s.reconnects.Load() }

// Close permanently ends the session.
func (s *Session) Close() error {
	s.closeWith(ErrConnectionClosed)
	return nil
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closeErr = err
		s.closeMu.Unlock()
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second)) //nolint:errcheck
			s.conn.Close() //nolint:errcheck
			s.conn = nil
		}
		s.mu.Unlock()
		s.connected.Store(false)
	})
}

// Done is closed once the session is permanently over.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. ErrConnectionClosed for an orderly
// Close; an AuthError or exhausted-budget error otherwise.
func (s *Session) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeErr
}
