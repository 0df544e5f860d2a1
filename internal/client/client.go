package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

// ErrClosed is returned by calls on a client whose connection has ended.
var ErrClosed = errors.New("client: connection closed")

// Close codes the broker uses to refuse a connection.
const (
	closeUnauthorized = 4401
	closeInvalidRole  = 4400
)

// Options configures Dial.
type Options struct {
	// Role is "controller" (default) or "host".
	Role  string
	Token string
	// Header is sent with the handshake, next to the role and token.
	Header http.Header
	Dialer *websocket.Dialer

	// MaxRetries bounds redials after the first attempt. Negative disables
	// retries.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Breaker, when set, guards every dial attempt. Share one breaker across
	// clients to back off together.
	Breaker *Breaker

	SendBuffer  int
	InboxBuffer int
	WriteWait   time.Duration
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Role == "" {
		o.Role = "controller"
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 100 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.InboxBuffer <= 0 {
		o.InboxBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// NotificationHandler receives every notification in arrival order.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers a request the broker sends to this client. A
// returned *protocol.Error is sent as-is; other errors become INTERNAL_ERROR.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Client is one websocket connection to a broker. Requests are correlated by
// numeric id; notifications and inbound requests are handled on a single
// goroutine in arrival order, so handlers must not block for long.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger *zap.Logger

	send  chan []byte
	inbox chan *protocol.Message

	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan *protocol.Message
	notify   []NotificationHandler
	handlers map[string]RequestHandler
	subs     map[string][]*subscription
	host     *Host

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to a broker. rawURL may be a ws(s) URL or the broker's
// http(s) base URL, in which case /ws is appended. Failed dials are retried
// with exponential backoff until ctx is done or MaxRetries is exhausted.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	endpoint, err := Endpoint(rawURL, opts.Role, opts.Token)
	if err != nil {
		return nil, err
	}

	var conn *websocket.Conn
	attempt := func() error {
		c, resp, err := opts.Dialer.DialContext(ctx, endpoint, opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	op := func() error {
		var err error
		if opts.Breaker != nil {
			err = opts.Breaker.Do(attempt)
		} else {
			err = attempt()
		}
		if errors.Is(err, ErrBreakerOpen) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = opts.InitialInterval
	policy.MaxInterval = opts.MaxInterval
	policy.MaxElapsedTime = 0
	var retry backoff.BackOff = policy
	if opts.MaxRetries > 0 {
		retry = backoff.WithMaxRetries(policy, uint64(opts.MaxRetries))
	} else {
		retry = &backoff.StopBackOff{}
	}

	notify := func(err error, wait time.Duration) {
		opts.Logger.Debug("Dial failed, retrying", zap.String("url", endpoint), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(retry, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && conn == nil {
			return nil, fmt.Errorf("dialing %s: %w", endpoint, ctxErr)
		}
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}

	return newClient(conn, opts), nil
}

// Endpoint builds the websocket URL for a broker address, carrying role and
// token as query parameters.
func Endpoint(rawURL, role, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid broker url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid broker url %q: unsupported scheme", rawURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	if role != "" {
		q.Set("role", role)
	}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newClient(conn *websocket.Conn, opts Options) *Client {
	c := &Client{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger.Named("client"),
		send:     make(chan []byte, opts.SendBuffer),
		inbox:    make(chan *protocol.Message, opts.InboxBuffer),
		pending:  make(map[uint64]chan *protocol.Message),
		handlers: make(map[string]RequestHandler),
		subs:     make(map[string][]*subscription),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	go c.dispatchLoop()
	go c.readLoop()
	return c
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open. A broker
// that refused the token yields an UNAUTHORIZED *protocol.Error.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the connection with a normal close frame.
func (c *Client) Close() error {
	deadline := time.Now().Add(c.opts.WriteWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.shutdown(ErrClosed)
	return nil
}

// OnNotification registers fn for every notification the broker sends.
func (c *Client) OnNotification(fn NotificationHandler) {
	c.mu.Lock()
	c.notify = append(c.notify, fn)
	c.mu.Unlock()
}

// Handle answers broker-initiated requests for method with fn.
func (c *Client) Handle(method string, fn RequestHandler) {
	c.mu.Lock()
	c.handlers[method] = fn
	c.mu.Unlock()
}

// Call sends a request and waits for its reply. A failure reply is returned
// as a *protocol.Error; a successful result is decoded into out unless out
// is nil or a *json.RawMessage, which receives the raw result.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	reqID := c.nextID.Add(1)
	replies := make(chan *protocol.Message, 1)

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return c.closedErr()
	}
	c.pending[reqID] = replies
	c.mu.Unlock()

	frame, err := protocol.EncodeRequest(protocol.IDFromUint(reqID), method, params)
	if err != nil {
		c.forget(reqID)
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	if err := c.enqueue(ctx, frame); err != nil {
		c.forget(reqID)
		return err
	}

	select {
	case msg, ok := <-replies:
		if !ok {
			return c.closedErr()
		}
		if msg.Error != nil {
			return protocol.FromObject(msg.Error)
		}
		return decodeResult(msg.Result, out)
	case <-ctx.Done():
		c.forget(reqID)
		return ctx.Err()
	}
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	frame, err := protocol.EncodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	return c.enqueue(ctx, frame)
}

func decodeResult(result json.RawMessage, out any) error {
	switch v := out.(type) {
	case nil:
		return nil
	case *json.RawMessage:
		*v = append((*v)[:0], result...)
		return nil
	}
	if err := protocol.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

func (c *Client) enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) forget(reqID uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	<-c.done
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// shutdown ends the connection once, failing every pending call.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.err = closeCause(cause)
		_ = c.conn.Close()

		c.mu.Lock()
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		close(c.done)
		for _, ch := range pending {
			close(ch)
		}
	})
}

func closeCause(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case closeUnauthorized:
		return protocol.NewError(protocol.KindUnauthorized, "broker rejected the token", nil)
	case closeInvalidRole:
		return protocol.NewError(protocol.KindInvalidParams, "broker rejected the role", map[string]any{"field": "role"})
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return fmt.Errorf("%w: %s", ErrClosed, ce.Text)
	}
	return err
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}

		switch msg.Shape() {
		case protocol.ShapeResponse:
			c.resolve(msg)
		case protocol.ShapeRequest, protocol.ShapeNotification:
			select {
			case c.inbox <- msg:
			case <-c.done:
				return
			}
		default:
			if msg.Error != nil {
				c.logger.Warn("Broker reported an uncorrelated error",
					zap.Int("code", msg.Error.Code),
					zap.String("message", msg.Error.Message),
				)
				continue
			}
			c.logger.Debug("Dropping frame with unknown shape")
		}
	}
}

func (c *Client) resolve(msg *protocol.Message) {
	reqID, ok := protocol.NumericID(msg.ID)
	if !ok {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) dispatchLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	for {
		select {
		case msg := <-c.inbox:
			if msg.Shape() == protocol.ShapeRequest {
				c.answer(ctx, msg)
			} else {
				c.deliver(msg)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) answer(ctx context.Context, msg *protocol.Message) {
	c.mu.Lock()
	fn, ok := c.handlers[msg.Method]
	c.mu.Unlock()

	var frame []byte
	var err error
	if !ok {
		frame, err = protocol.EncodeError(msg.ID, protocol.Errorf(protocol.KindMethodNotFound, "method not found: %s", msg.Method).Object())
	} else if result, herr := fn(ctx, msg.Params); herr != nil {
		frame, err = protocol.EncodeError(msg.ID, protocol.AsError(herr).Object())
	} else {
		frame, err = protocol.EncodeResult(msg.ID, result)
	}
	if err != nil {
		c.logger.Error("Failed to encode reply", zap.String("method", msg.Method), zap.Error(err))
		return
	}
	if err := c.enqueue(ctx, frame); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("Reply not sent", zap.String("method", msg.Method), zap.Error(err))
	}
}

func (c *Client) deliver(msg *protocol.Message) {
	c.mu.Lock()
	handlers := append([]NotificationHandler(nil), c.notify...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(msg.Method, msg.Params)
	}
	if strings.HasPrefix(msg.Method, "store.") {
		c.routeEvent(msg)
	}
}
