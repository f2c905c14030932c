// Package wsclient implements the remote backend over a websocket carrying
// JSON envelopes. Commands are correlated with their responses by requestId;
// snapshots, presence and typing changes are pushed by the server.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matheus3301/convsync/internal/connectivity"
	"github.com/matheus3301/convsync/internal/identity"
	"github.com/matheus3301/convsync/internal/remote"
)

// Config configures a Client.
type Config struct {
	URL                string
	Token              string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	RequestTimeout     time.Duration
	// Observer is set online while connected and offline otherwise.
	Observer *connectivity.Observer
	// Session receives the user id of the authenticated handshake.
	Session    *identity.Session
	Logger     *zap.Logger
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Client is a reconnecting websocket remote.Backend.
type Client struct {
	cfg    Config
	logger *zap.Logger
	recon  *reconnector

	mu        sync.Mutex
	conn      *websocket.Conn
	userID    string
	connected chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan ResponsePayload
	requests  atomic.Uint64

	feedsMu sync.Mutex
	feeds   map[int]*feed
	nextID  int

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ remote.Backend    = (*Client)(nil)
	_ identity.Provider = (*Client)(nil)
)

// New creates a client. Call Start to connect.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:       cfg,
		logger:    cfg.Logger,
		recon:     newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
		connected: make(chan struct{}),
		pending:   make(map[string]chan ResponsePayload),
		feeds:     make(map[int]*feed),
	}
}

// Start connects in the background and keeps reconnecting until Close.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Close disconnects and stops reconnecting.
func (c *Client) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Connected returns a channel closed once the current connection is up.
func (c *Client) Connected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// CurrentUserID returns the user id of the authenticated connection.
func (c *Client) CurrentUserID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.userID != ""
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		conn, err := c.connect(ctx)
		if err == nil {
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.logger.Warn("websocket connect failed", zap.String("url", c.cfg.URL), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		delay := c.recon.nextDelay()
		c.logger.Info("websocket reconnecting", zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dialURL() string {
	u := strings.Replace(c.cfg.URL, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.dialURL(), opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be "authenticated".
	var env Envelope
	if err := wsjson.Read(dialCtx, conn, &env); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	if env.Type != evtAuthenticated {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected authenticated")
		return nil, fmt.Errorf("expected %q, got %q", evtAuthenticated, env.Type)
	}
	var auth AuthenticatedPayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "bad authenticated payload")
		return nil, fmt.Errorf("decode auth message: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.userID = auth.UserID
	close(c.connected)
	c.mu.Unlock()
	if c.cfg.Session != nil {
		c.cfg.Session.SetUser(auth.UserID)
	}
	c.recon.markConnected()
	c.logger.Info("websocket connected", zap.String("user_id", auth.UserID))
	if c.cfg.Observer != nil {
		c.cfg.Observer.Set(true)
	}
	return conn, nil
}

// serve reads frames until the connection fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	go c.resubscribe(ctx)

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			switch {
			case ctx.Err() != nil:
			case isClosed(err):
				c.logger.Info("websocket closed", zap.Error(err))
			default:
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			break
		}
		c.dispatch(env)
	}

	c.mu.Lock()
	c.conn = nil
	c.connected = make(chan struct{})
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	if c.cfg.Observer != nil {
		c.cfg.Observer.Set(false)
	}
	c.failPending()
}

func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case evtResponse:
		var resp ResponsePayload
		if err := json.Unmarshal(env.Payload, &resp); err != nil || resp.RequestID == "" {
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.RequestID]
		delete(c.pending, resp.RequestID)
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	case evtSnapshot:
		var p SnapshotPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.publish(cmdSubscribe, p.ConversationID, env.Payload)
		}
	case evtPresence:
		var p PresencePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.publish(cmdPresenceSubscribe, p.UserID, env.Payload)
		}
	case evtTyping:
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.publish(cmdTypingSubscribe, p.ConversationID, env.Payload)
		}
	default:
		c.logger.Debug("ignoring websocket event", zap.String("type", env.Type))
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// request sends a command and waits for its response. result may be nil.
func (c *Client) request(ctx context.Context, typ string, payload any, result any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return remote.Errorf(remote.CodeUnavailable, "%s: not connected", typ)
	}

	id := fmt.Sprintf("req-%d", c.requests.Add(1))
	ch := make(chan ResponsePayload, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := wsjson.Write(reqCtx, conn, Command{Type: typ, RequestID: id, Payload: payload}); err != nil {
		forget()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return remote.Errorf(remote.CodeUnavailable, "%s: write: %v", typ, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return remote.Errorf(remote.CodeUnavailable, "%s: connection lost", typ)
		}
		if !resp.OK {
			return responseError(typ, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return remote.Errorf(remote.CodeInternal, "%s: decode result: %v", typ, err)
			}
		}
		return nil
	case <-reqCtx.Done():
		forget()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return remote.Errorf(remote.CodeUnavailable, "%s: request timed out", typ)
	}
}

func responseError(typ string, e *ErrorPayload) error {
	if e == nil {
		return remote.Errorf(remote.CodeInternal, "%s: request failed", typ)
	}
	code := remote.Code(e.Code)
	switch code {
	case remote.CodeUnavailable, remote.CodePermissionDenied, remote.CodeInvalidArgument,
		remote.CodeNotFound, remote.CodeUnauthenticated, remote.CodeInternal:
	default:
		code = remote.CodeInternal
	}
	return &remote.Error{Code: code, Message: e.Message}
}

// isClosed reports whether err comes from a closed websocket.
func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}

func isUnavailable(err error) bool {
	return remote.IsCode(err, remote.CodeUnavailable)
}
