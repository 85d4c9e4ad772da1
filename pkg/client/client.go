// Package client is the Go client for the I3 gateway JSON-RPC API.
//
// It speaks the line-delimited TCP transport: one JSON-RPC 2.0 frame per
// newline-terminated line, with server-initiated event notifications
// arriving interleaved with call responses on the same connection. The
// WebSocket transport carries the same frames; this client covers the
// TCP side, which is what mudlibs and tooling connect through.
//
// Quick Start:
//
//	c := client.New(client.Config{
//	    Addr:   "localhost:8081",
//	    APIKey: os.Getenv("I3_API_KEY"),
//	    OnEvent: func(ev client.Event) {
//	        log.Printf("event %s: %s", ev.Type, ev.Params)
//	    },
//	})
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	err := c.Tell(ctx, client.TellArgs{
//	    TargetMud:  "OtherMUD",
//	    TargetUser: "gandalf",
//	    FromUser:   "zusuk",
//	    Message:    "greetings from afar",
//	})
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Config holds the gateway client configuration.
type Config struct {
	// Addr is the gateway's TCP API endpoint (default "localhost:8081").
	Addr string

	// APIKey authenticates this client. Connect fails without one.
	APIKey string

	// SessionID resumes a previous session instead of creating a new
	// one, replaying events queued while the client was away.
	SessionID string

	// DialTimeout bounds the TCP connect (default 5s).
	DialTimeout time.Duration

	// CallTimeout bounds each call when the caller's context carries no
	// deadline of its own (default 15s).
	CallTimeout time.Duration

	// OnEvent receives asynchronous pushes: tells, channel traffic,
	// gateway state changes. Called from the read loop, so it must not
	// block; nil drops events.
	OnEvent func(Event)

	// OnDisconnect is called once when the connection dies for any
	// reason other than Close.
	OnDisconnect func(error)
}

// Event is one server push. Type is the event name ("tell_received",
// "channel_message", ...); Params is its payload.
type Event struct {
	Type   string
	Params json.RawMessage
}

// Error is a JSON-RPC error returned by the gateway.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// ErrClosed reports a call on a connection that is gone.
var ErrClosed = errors.New("client: connection closed")

// Client is one connection to the gateway. Safe for concurrent calls;
// responses are matched to callers by request id.
type Client struct {
	cfg Config

	conn net.Conn
	wmu  sync.Mutex // serializes frame writes

	mu      sync.Mutex
	pending map[uint64]chan reply
	nextID  uint64
	closed  bool
	err     error

	done chan struct{}

	sessionID   string
	mudName     string
	permissions []string
}

type reply struct {
	result json.RawMessage
	err    *Error
}

// New builds a client. Call Connect before issuing requests.
func New(cfg Config) *Client {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:8081"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		pending: make(map[uint64]chan reply),
		done:    make(chan struct{}),
	}
}

// Connect dials the gateway and authenticates. With a SessionID it
// resumes the existing session; otherwise the gateway issues a fresh
// one, retrievable through SessionID for later resumption.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return errors.New("client: APIKey is required")
	}

	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.cfg.Addr, err)
	}
	c.conn = conn
	go c.readLoop()

	var auth struct {
		SessionID   string   `json:"session_id"`
		MudName     string   `json:"mud_name"`
		Permissions []string `json:"permissions"`
	}
	if err := c.Call(ctx, "authenticate", map[string]string{"api_key": c.cfg.APIKey}, &auth); err != nil {
		c.Close()
		return fmt.Errorf("client: authenticate: %w", err)
	}
	c.mu.Lock()
	c.sessionID = auth.SessionID
	c.mudName = auth.MudName
	c.permissions = auth.Permissions
	c.mu.Unlock()

	if c.cfg.SessionID != "" {
		var res struct {
			Queued int `json:"queued_events"`
		}
		err := c.Call(ctx, "resume", map[string]string{"session_id": c.cfg.SessionID}, &res)
		if err != nil {
			c.Close()
			return fmt.Errorf("client: resume %s: %w", c.cfg.SessionID, err)
		}
		c.mu.Lock()
		c.sessionID = c.cfg.SessionID
		c.mu.Unlock()
	}
	return nil
}

// SessionID returns the active session id, empty before Connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// MudName returns the mud identity the key authenticated as.
func (c *Client) MudName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mudName
}

// Permissions returns the permission set granted to this session.
func (c *Client) Permissions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.permissions...)
}

// Close tears the connection down. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.fail(nil)
	return nil
}

// Call issues one JSON-RPC request and decodes its result into out,
// which may be nil when the caller only cares about success. A *Error
// is returned for gateway-side failures, so callers can inspect codes:
//
//	var gwErr *client.Error
//	if errors.As(err, &gwErr) && gwErr.Code == -32005 { ... }
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	frame := struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
		ID      uint64      `json:"id"`
	}{JSONRPC: "2.0", Method: method, Params: params}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return err
	}
	c.nextID++
	frame.ID = c.nextID
	c.pending[frame.ID] = ch
	c.mu.Unlock()

	raw, err := json.Marshal(frame)
	if err != nil {
		c.drop(frame.ID)
		return fmt.Errorf("client: marshal %s: %w", method, err)
	}
	if err := c.writeLine(raw); err != nil {
		c.drop(frame.ID)
		return err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(r.result, out); err != nil {
			return fmt.Errorf("client: decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.drop(frame.ID)
		return ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return err
	}
}

// Notify sends a request without an id. The gateway processes it but
// never answers.
func (c *Client) Notify(method string, params interface{}) error {
	frame := struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: method, Params: params}

	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("client: marshal %s: %w", method, err)
	}
	return c.writeLine(raw)
}

func (c *Client) writeLine(raw []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	if _, err := c.conn.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// readLoop demultiplexes the shared connection: frames with an id are
// responses for pending calls, frames with a method and no id are
// events.
func (c *Client) readLoop() {
	r := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			c.fail(err)
			return
		}
		var frame struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Err    *Error          `json:"error"`
			ID     json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}

		if frame.ID == nil && frame.Method != "" {
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(Event{Type: frame.Method, Params: frame.Params})
			}
			continue
		}

		id, err := strconv.ParseUint(string(frame.ID), 10, 64)
		if err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- reply{result: frame.Result, err: frame.Err}
		}
	}
}

// fail closes the connection once and wakes every pending call. A nil
// cause marks a local Close, which skips the OnDisconnect callback.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if cause != nil {
		c.err = fmt.Errorf("client: connection lost: %w", cause)
	}
	err := c.err
	c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	close(c.done)
	if cause != nil && c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(err)
	}
}

func (c *Client) drop(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
