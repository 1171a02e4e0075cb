// Package client ties the pieces together: it owns the session, routes
// inbound frames through the duplex dispatcher, announces the registered
// actions, and keeps the host's view consistent across reconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"hostlink/config"
	"hostlink/message"
	"hostlink/metrics"
	"hostlink/middleware"
	"hostlink/rpc"
	"hostlink/runtime"
	"hostlink/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	sdkName    = "hostlink-go"
	sdkVersion = "0.4.1"
)

// ErrAlreadyListening reports a second Listen on the same client.
var ErrAlreadyListening = errors.New("client: already listening")

// HandshakeError reports a host that accepted the connection but refused
// the INITIALIZE_HOST announcement.
type HandshakeError struct {
	Message string
}

func (e *HandshakeError) Error() string {
	return "client: host rejected the handshake: " + e.Message
}

// Client is a backend's connection to one host. Register actions, then
// Listen; the client serves host calls until the context is cancelled or
// the connection is permanently lost.
type Client struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	registry   *runtime.Registry
	instanceID string

	mu        sync.Mutex
	listening bool
	sess      *session.Session
	duplex    *rpc.Duplex
	rt        *runtime.Runtime

	shutdownOnce sync.Once
}

// New creates a client. logger and m may be nil.
func New(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		logger:     logger.With("component", "client"),
		metrics:    m,
		registry:   runtime.NewRegistry(),
		instanceID: uuid.NewString(),
	}
}

// Register adds an action under slug. All registration must happen
// before Listen.
func (c *Client) Register(slug string, handler runtime.Handler, opts runtime.Options) error {
	return c.registry.Register(slug, handler, opts)
}

// Listen connects to the host, announces the registered actions, and
// serves calls until ctx is cancelled or the connection is permanently
// lost. Cancelling ctx triggers a graceful shutdown.
func (c *Client) Listen(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	c.listening = true
	c.mu.Unlock()

	c.registry.Freeze()

	sender := &sessionSender{client: c}
	// Recovery sits innermost: TimeoutMiddleware runs its next handler on
	// a separate goroutine, and a recover only works on the goroutine
	// that panicked.
	var mws []middleware.Middleware
	if c.cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.cfg.RateLimit, c.cfg.RateBurst))
	}
	mws = append(mws, middleware.LoggingMiddleware(c.logger))
	if c.cfg.CallTimeout > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(c.cfg.CallTimeout))
	}
	mws = append(mws, middleware.RecoveryMiddleware(c.logger))
	duplex := rpc.NewDuplex(sender, c.logger, mws...)
	if c.metrics != nil {
		duplex.OnDropped = c.metrics.MalformedPayloads.Inc
	}
	rt := runtime.New(ctx, c.registry, c, c.logger, c.metrics, c.cfg.DebugErrors)

	duplex.Handle(message.MethodStartTransaction, rt.HandleStartTransaction)
	duplex.Handle(message.MethodIOResponse, rt.HandleIOResponse)
	duplex.Handle(message.MethodCancel, rt.HandleCancel)

	c.mu.Lock()
	c.duplex = duplex
	c.rt = rt
	c.mu.Unlock()

	sess, err := session.Dial(ctx, session.Config{
		Endpoint:       c.cfg.Endpoint,
		APIKey:         c.cfg.APIKey,
		InstanceID:     c.instanceID,
		PingInterval:   c.cfg.PingInterval,
		PingTimeout:    c.cfg.PingTimeout,
		SendTimeout:    c.cfg.SendTimeout,
		ConnectTimeout: c.cfg.ConnectTimeout,
		Backoff:        session.Backoff{Initial: c.cfg.BackoffInitial, Max: c.cfg.BackoffMax},
		MaxRetries:     c.cfg.MaxRetries,
	}, c.logger, duplex.HandleMessage, c.onReconnect)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	if err := c.initializeHost(ctx); err != nil {
		sess.Close() //nolint:errcheck
		c.teardown(err)
		return err
	}
	c.logger.Info("connected", "endpoint", c.cfg.Endpoint, "environment", c.cfg.Environment)

	select {
	case <-ctx.Done():
		c.Shutdown(context.Background()) //nolint:errcheck
		return ctx.Err()
	case <-sess.Done():
		err := sess.Err()
		c.teardown(err)
		return err
	}
}

// Call issues a client→host RPC, retrying across transient disconnects
// until ctx expires. It implements runtime.Caller.
func (c *Client) Call(ctx context.Context, method string, inputs any) ([]byte, error) {
	data, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("client: marshal %s inputs: %w", method, err)
	}

	c.mu.Lock()
	duplex := c.duplex
	c.mu.Unlock()
	if duplex == nil {
		return nil, session.ErrNotConnected
	}

	if c.metrics != nil {
		c.metrics.CallsIssued.Inc()
		c.metrics.CallsInFlight.Inc()
		defer c.metrics.CallsInFlight.Dec()
	}
	if method == message.MethodSendIOCall && c.metrics != nil {
		c.metrics.IOCalls.Inc()
	}

	for {
		call, err := duplex.Issue(method, data, c.cfg.CallTimeout)
		if err == nil {
			resp, err := call.Await(ctx)
			if err == nil {
				return resp.Data, nil
			}
			if !retryable(err) || ctx.Err() != nil {
				if c.metrics != nil {
					c.metrics.CallsFailed.Inc()
				}
				return nil, err
			}
		} else if !retryable(err) {
			if c.metrics != nil {
				c.metrics.CallsFailed.Inc()
			}
			return nil, err
		}

		// The session is between connections; wait a beat and retry.
		select {
		case <-ctx.Done():
			if c.metrics != nil {
				c.metrics.CallsFailed.Inc()
			}
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// retryable reports whether a call failure is worth retrying on the next
// connection. Remote errors are answers, not failures.
func retryable(err error) bool {
	if errors.Is(err, session.ErrNotConnected) || errors.Is(err, rpc.ErrTimeout) {
		return true
	}
	return false
}

// initializeHost announces the action catalog. A structured rejection is
// fatal; individually invalid slugs are logged and skipped by the host.
func (c *Client) initializeHost(ctx context.Context) error {
	inputs := message.InitializeHostInputs{
		SDKName:    sdkName,
		SDKVersion: sdkVersion,
		Timestamp:  time.Now().UnixMilli(),
		Actions:    c.registry.Definitions(),
	}
	data, err := c.Call(ctx, message.MethodInitializeHost, inputs)
	if err != nil {
		return fmt.Errorf("client: INITIALIZE_HOST: %w", err)
	}

	var returns message.InitializeHostReturns
	if err := json.Unmarshal(data, &returns); err != nil {
		return fmt.Errorf("client: INITIALIZE_HOST response: %w", err)
	}
	if returns.Type == "error" {
		return &HandshakeError{Message: returns.Message}
	}
	for _, slug := range returns.InvalidSlugs {
		c.logger.Warn("host rejected action slug", "slug", slug)
	}
	if returns.DashboardURL != "" {
		c.logger.Info("actions available", "dashboard", returns.DashboardURL)
	}
	return nil
}

// onReconnect reannounces the catalog and asks the host to resume the
// transactions that survived the drop. Runs on its own goroutine.
func (c *Client) onReconnect() {
	if c.metrics != nil {
		c.metrics.Reconnects.Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()

	if err := c.initializeHost(ctx); err != nil {
		c.logger.Error("could not reinitialize after reconnect", "error", err)
		return
	}

	open := c.rt.OpenTransactionIDs()
	if len(open) == 0 {
		return
	}
	inputs := message.ResumeInputs{TransactionIDs: open}
	if _, err := c.Call(ctx, message.MethodResume, inputs); err != nil {
		c.logger.Error("could not resume transactions", "count", len(open), "error", err)
		return
	}
	c.logger.Info("resumed transactions", "count", len(open))
}

// Shutdown tells the host to stop assigning work, waits for running
// actions to finish, then closes the connection. Safe to call more than
// once.
func (c *Client) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		sess, duplex, rt := c.sess, c.duplex, c.rt
		c.mu.Unlock()
		if sess == nil {
			return
		}

		data, merr := json.Marshal(message.BeginHostShutdownInputs{})
		if merr == nil {
			if nerr := duplex.Notify(message.MethodBeginHostShutdown, data); nerr != nil {
				c.logger.Debug("could not announce shutdown", "error", nerr)
			}
		}

		timeout := c.cfg.DrainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if derr := rt.Drain(timeout); derr != nil {
			c.logger.Warn("shutdown drain incomplete", "error", derr)
			err = derr
		}

		cerr := sess.Close()
		if err == nil {
			err = cerr
		}
		c.teardown(session.ErrConnectionClosed)
	})
	return err
}

// teardown fails everything still waiting on the connection.
func (c *Client) teardown(cause error) {
	if cause == nil {
		cause = session.ErrConnectionClosed
	}
	c.mu.Lock()
	duplex, rt := c.duplex, c.rt
	c.mu.Unlock()
	if duplex != nil {
		duplex.CloseAll(cause)
	}
	if rt != nil {
		rt.InterruptAll()
	}
}

// sessionSender adapts the session to the rpc.Sender interface. It reads
// the session under the client lock because the duplex is built before
// the first dial completes.
type sessionSender struct {
	client *Client
}

func (s *sessionSender) Send(data []byte) error {
	s.client.mu.Lock()
	sess := s.client.sess
	s.client.mu.Unlock()
	if sess == nil {
		return session.ErrNotConnected
	}
	return sess.Send(data)
}
