// Package router is the host side of the bridge. It receives one request
// document per call, routes it to the capability handler named by its single
// top-level key, and always answers with a valid JSON document.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/hpcbridge/internal/audit"
	"github.com/jkaninda/hpcbridge/internal/hpc"
	"github.com/jkaninda/hpcbridge/internal/ratelimit"
)

// Handler serves one capability. The returned value is marshaled as the
// response document; an error becomes an error document.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	return f(ctx, payload)
}

// Observer is notified after each dispatched call.
type Observer interface {
	ObserveDispatch(ctx context.Context, capability, status string, d time.Duration)
}

// ErrUnknownCapability is returned for requests naming an unregistered capability.
var ErrUnknownCapability = errors.New("unknown capability")

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithLimiter applies a per-capability rate limit.
func WithLimiter(l *ratelimit.Limiter) Option { return func(r *Router) { r.limiter = l } }

// WithAudit records every call in the given store.
func WithAudit(s audit.Store) Option { return func(r *Router) { r.audit = s } }

// WithObserver registers a dispatch observer (metrics).
func WithObserver(o Observer) Option { return func(r *Router) { r.observer = o } }

// Router dispatches requests to capability handlers. Calls are serialized:
// a guest has at most one outstanding call.
type Router struct {
	mu       sync.Mutex // serializes calls
	hmu      sync.RWMutex
	handlers map[string]Handler
	limiter  *ratelimit.Limiter
	audit    audit.Store
	observer Observer
	logger   *slog.Logger
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[string]Handler),
		audit:    audit.NopStore{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register binds a handler to a capability name, replacing any previous one.
func (r *Router) Register(name string, h Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.handlers[name] = h
}

// Capabilities returns the registered capability names, sorted.
func (r *Router) Capabilities() []string {
	r.hmu.RLock()
	defer r.hmu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type callIDKey struct{}

// CallID returns the identifier Dispatch assigned to the current call.
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// Dispatch handles one raw request and returns the response document.
// The result is always syntactically valid JSON.
func (r *Router) Dispatch(ctx context.Context, raw []byte) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	callID := uuid.NewString()
	ctx = context.WithValue(ctx, callIDKey{}, callID)

	var req hpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return r.finish(ctx, callID, "", raw, nil, fmt.Errorf("malformed request: %w", err), start)
	}
	capability := req.Capability()

	r.hmu.RLock()
	h, ok := r.handlers[capability]
	r.hmu.RUnlock()
	if !ok {
		return r.finish(ctx, callID, capability, raw, nil, fmt.Errorf("%w %q", ErrUnknownCapability, capability), start)
	}
	if err := r.limiter.Allow(capability); err != nil {
		return r.finish(ctx, callID, capability, raw, nil, err, start)
	}

	result, err := h.Handle(ctx, req.Payload())
	if err != nil {
		return r.finish(ctx, callID, capability, raw, nil, err, start)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return r.finish(ctx, callID, capability, raw, nil, fmt.Errorf("encoding result: %w", err), start)
	}
	return r.finish(ctx, callID, capability, raw, out, nil, start)
}

// finish builds the reply, then records audit, metrics and logs.
func (r *Router) finish(ctx context.Context, callID, capability string, raw, out []byte, callErr error, start time.Time) []byte {
	status := audit.StatusOK
	errMsg := ""
	if callErr != nil {
		status = audit.StatusError
		errMsg = callErr.Error()
		out = errorDocument(errMsg, capability)
	}
	elapsed := time.Since(start)

	event := audit.Event{
		CallID:     callID,
		Capability: capability,
		Response:   out,
		Status:     status,
		Error:      errMsg,
		Duration:   elapsed,
		Time:       start.UTC(),
	}
	if json.Valid(raw) {
		event.Request = redactRequest(raw)
	}
	if err := r.audit.Append(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "audit append failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()),
		)
	}
	if r.observer != nil {
		r.observer.ObserveDispatch(ctx, capability, status, elapsed)
	}

	attrs := []any{
		slog.String("call_id", callID),
		slog.String("capability", capability),
		slog.Duration("duration", elapsed),
	}
	if callErr != nil {
		r.logger.WarnContext(ctx, "hpc call failed", append(attrs, slog.String("error", errMsg))...)
	} else {
		r.logger.DebugContext(ctx, "hpc call served", attrs...)
	}
	return out
}

func errorDocument(msg, capability string) []byte {
	doc := map[string]string{"error": msg}
	if capability != "" {
		doc["capability"] = capability
	}
	b, _ := json.Marshal(doc)
	return b
}
