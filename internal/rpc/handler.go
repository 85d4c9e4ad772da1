package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/luminarimud/i3-gateway/internal/auth"
	"github.com/luminarimud/i3-gateway/internal/circuit"
	"github.com/luminarimud/i3-gateway/internal/events"
	"github.com/luminarimud/i3-gateway/internal/metrics"
	"github.com/luminarimud/i3-gateway/internal/ratelimit"
	"github.com/luminarimud/i3-gateway/internal/router"
	"github.com/luminarimud/i3-gateway/internal/services"
	"github.com/luminarimud/i3-gateway/internal/session"
)

// RouterLink is the slice of the router link the API surface needs:
// readiness, status reporting, and the manual reconnect control.
type RouterLink interface {
	Connected() bool
	State() router.LinkState
	Stats() router.Stats
	Reconnect()
}

// Config wires the handler to the rest of the gateway.
type Config struct {
	MudName  string
	Version  string
	Auth     *auth.Authenticator
	Sessions *session.Manager
	Services *services.Services
	Limiter  *ratelimit.Limiter
	Link     RouterLink
	Metrics  *metrics.Metrics
	Logger   *log.Logger

	// StartedAt feeds the status method's uptime field.
	StartedAt time.Time

	// Shutdown is invoked by the shutdown method. Left nil, the method
	// reports gateway_error instead of silently doing nothing.
	Shutdown func(reason string)
}

// Handler dispatches parsed JSON-RPC requests to gateway operations. One
// handler serves every connection; per-connection state lives on Client.
type Handler struct {
	cfg     Config
	log     *log.Logger
	methods map[string]methodFunc
}

type methodFunc func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *Error)

// Methods callable before authenticate succeeds.
var openMethods = map[string]bool{
	"authenticate": true,
	"resume":       true,
	"ping":         true,
}

// NewHandler builds the dispatcher. A nil Limiter gets the default rate
// classes; a nil Logger gets the package prefix logger.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[RPC] ", log.LstdFlags)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(nil, cfg.Metrics)
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	h := &Handler{cfg: cfg, log: cfg.Logger}
	h.methods = h.methodTable()
	return h
}

// HandleMessage processes one inbound message, single or batch, and
// returns the bytes to write back. A nil return means no response is
// owed (notification, or a batch of notifications).
func (h *Handler) HandleMessage(ctx context.Context, c *Client, raw []byte) []byte {
	elems, isBatch, batchErr := splitBatch(raw)
	if batchErr != nil {
		return marshalResponse(errorResponse(nil, batchErr))
	}
	if !isBatch {
		resp := h.handleSingle(ctx, c, raw)
		if resp == nil {
			return nil
		}
		return marshalResponse(resp)
	}

	// Batch elements are handled independently and in order; only calls
	// with ids contribute to the reply array.
	out := make([]*Response, 0, len(elems))
	for _, elem := range elems {
		if resp := h.handleSingle(ctx, c, elem); resp != nil {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return marshalResponse(errorResponse(nil, &Error{Code: CodeInternal, Message: "response serialization failed"}))
	}
	return raw
}

func (h *Handler) handleSingle(ctx context.Context, c *Client, raw []byte) *Response {
	req, perr := parseRequest(raw)
	if perr != nil {
		return errorResponse(nil, perr)
	}
	id, verr := req.validate()
	if verr != nil {
		return errorResponse(id, verr)
	}

	start := time.Now()
	result, rpcErr := h.safeDispatch(ctx, c, req)
	h.observe(c, req.Method, rpcErr == nil, time.Since(start))

	if req.Notification() {
		return nil
	}
	if rpcErr != nil {
		return errorResponse(id, rpcErr)
	}
	return resultResponse(id, result)
}

// safeDispatch contains a panicking method: the caller gets
// internal_error and the stack is logged under a correlation ref.
func (h *Handler) safeDispatch(ctx context.Context, c *Client, req *Request) (result interface{}, rpcErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			ref := uuid.NewString()[:8]
			h.log.Printf("panic in %s ref=%s: %v\n%s", req.Method, ref, r, debug.Stack())
			result = nil
			rpcErr = &Error{Code: CodeInternal, Message: "internal error", Data: map[string]string{"ref": ref}}
		}
	}()
	return h.dispatch(ctx, c, req)
}

// dispatch runs the method pipeline: lookup, auth gate, permission
// check, rate limit, invoke.
func (h *Handler) dispatch(ctx context.Context, c *Client, req *Request) (interface{}, *Error) {
	fn, ok := h.methods[req.Method]
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	sess := c.Session()
	if sess == nil {
		if !openMethods[req.Method] {
			return nil, &Error{Code: CodeNotAuthenticated, Message: "authenticate first"}
		}
	} else {
		sess.Touch()
		if !sess.Permissions.Allows(req.Method) {
			return nil, &Error{
				Code:    CodePermissionDenied,
				Message: "method not permitted",
				Data:    map[string]string{"method": req.Method},
			}
		}
	}

	res := h.cfg.Limiter.Allow(h.limitKey(c, sess), req.Method)
	if !res.OK {
		return nil, &Error{
			Code:    CodeRateLimited,
			Message: "rate limit exceeded",
			Data: map[string]interface{}{
				"retry_after_ms": res.RetryAfter.Milliseconds(),
				"class":          res.Class,
			},
		}
	}
	if res.Warn && sess != nil {
		h.warnRateLimit(sess, req.Method, res)
	}

	return fn(ctx, c, req.Params)
}

// limitKey buckets unauthenticated traffic by remote address so one
// host cannot brute-force authenticate unboundedly.
func (h *Handler) limitKey(c *Client, sess *session.Session) string {
	if sess != nil {
		return sess.ID
	}
	return "conn:" + c.RemoteAddr()
}

// warnRateLimit is offered straight to the session rather than going
// through the bus: only the offending session should see it.
func (h *Handler) warnRateLimit(sess *session.Session, method string, res ratelimit.Result) {
	ev := events.New(events.RateLimitWarning, map[string]interface{}{
		"method":    method,
		"class":     res.Class,
		"remaining": res.Remaining,
	})
	sess.Offer(ev)
}

func (h *Handler) observe(c *Client, method string, ok bool, d time.Duration) {
	h.cfg.Metrics.RecordAPIRequest(method, ok, d)
	if sess := c.Session(); sess != nil {
		sess.CountRequest(!ok)
	}
}

// Disconnected detaches the client's session when its transport drops.
// The session stays resumable and queues events until resume or expiry.
func (h *Handler) Disconnected(c *Client) {
	if sess := c.Session(); sess != nil {
		h.cfg.Sessions.Detach(sess.ID)
	}
}

// mapError converts gateway errors to the JSON-RPC error space. Unknown
// errors become -32603 with a correlation ref logged server-side.
func (h *Handler) mapError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var remote *services.RemoteError

	switch {
	case errors.Is(err, services.ErrInvalidParams):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, services.ErrMudUnknown):
		return targetUnknown("mud_unknown", err)
	case errors.Is(err, services.ErrMudOffline):
		return targetUnknown("target_offline", err)
	case errors.Is(err, services.ErrUserUnknown):
		return targetUnknown("user_unknown", err)
	case errors.Is(err, services.ErrChannelUnknown):
		return targetUnknown("channel_unknown", err)
	case errors.Is(err, services.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTimeout, Message: "request timed out"}
	case errors.Is(err, services.ErrRouterDown),
		errors.Is(err, router.ErrNotConnected),
		errors.Is(err, router.ErrDraining),
		errors.Is(err, router.ErrQueueFull),
		errors.Is(err, circuit.ErrOpen):
		return &Error{Code: CodeGatewayError, Message: "router link unavailable"}
	case errors.As(err, &remote):
		return &Error{
			Code:    CodeGatewayError,
			Message: remote.Message,
			Data:    map[string]string{"code": remote.Code},
		}
	case errors.Is(err, session.ErrExpired):
		return &Error{Code: CodeSessionExpired, Message: "session expired"}
	case errors.Is(err, session.ErrNotFound):
		return &Error{Code: CodeSessionExpired, Message: "unknown session"}
	case errors.Is(err, auth.ErrInvalidKey), errors.Is(err, auth.ErrIPBlocked):
		return &Error{Code: CodeNotAuthenticated, Message: "invalid credentials"}
	default:
		ref := uuid.NewString()[:8]
		h.log.Printf("internal error ref=%s: %v", ref, err)
		return &Error{Code: CodeInternal, Message: "internal error", Data: map[string]string{"ref": ref}}
	}
}

func targetUnknown(kind string, err error) *Error {
	return &Error{
		Code:    CodeTargetUnknown,
		Message: err.Error(),
		Data:    map[string]string{"kind": kind},
	}
}

func invalidParams(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

// unmarshalParams decodes the params member into dst. Absent params are
// treated as an empty object so zero-argument methods accept both.
func unmarshalParams(raw json.RawMessage, dst interface{}) *Error {
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidParams("malformed params: " + err.Error())
	}
	return nil
}

func marshalResponse(resp *Response) []byte {
	raw, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"},"id":null}`)
	}
	return raw
}
