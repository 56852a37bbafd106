// Package rpc layers capability invocation with receipt bookkeeping on top of
// the HPC client. It targets capabilities whose output carries a serialized
// document in a string "body" field, as tlsp does.
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jkaninda/hpcbridge/internal/hpc"
)

// Caller is the HPC primitive the RPC client delegates to.
type Caller interface {
	Call(ctx context.Context, req hpc.Request) (hpc.Response, error)
}

// Client invokes named capabilities and keeps a receipt for each call.
type Client struct {
	hpc    Caller
	log    *Log
	logger *slog.Logger
}

// NewClient creates an RPC client writing receipts to log. A nil log gets a
// fresh one; read it back with Log().
func NewClient(caller Caller, log *Log, logger *slog.Logger) *Client {
	if log == nil {
		log = NewLog()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{hpc: caller, log: log, logger: logger}
}

// Log returns the receipt log this client appends to.
func (c *Client) Log() *Log { return c.log }

// Invoke calls capability with payload and returns the parsed "body" document.
//
// A receipt is appended as soon as a syntactically valid response arrives,
// before the body is examined, so a response missing its body still leaves a
// receipt. Transport and protocol failures leave the log untouched.
// Capability-level failures (e.g. an upstream HTTP 500) are not distinguished
// here; callers inspect the returned document.
func (c *Client) Invoke(ctx context.Context, capability string, payload any) (json.RawMessage, error) {
	req, err := hpc.NewRequest(capability, payload)
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, req)
}

// InvokeTLSP is Invoke for the tlsp capability with a typed payload.
func (c *Client) InvokeTLSP(ctx context.Context, p hpc.TLSPRequest) (json.RawMessage, error) {
	req, err := hpc.NewTLSPRequest(p)
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, req)
}

func (c *Client) invoke(ctx context.Context, req hpc.Request) (json.RawMessage, error) {
	resp, err := c.hpc.Call(ctx, req)
	if err != nil {
		return nil, err
	}

	c.log.Append(Receipt{Request: req, Response: resp})

	tr, err := resp.DecodeTLSP()
	if err != nil {
		c.logger.WarnContext(ctx, "capability response has no body",
			slog.String("capability", req.Capability()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	body := []byte(*tr.Body)
	if !json.Valid(body) {
		return nil, hpc.SchemaError("parse body", "%s body is not valid JSON (%d bytes)", req.Capability(), len(body))
	}

	c.logger.DebugContext(ctx, "rpc invoke completed",
		slog.String("capability", req.Capability()),
		slog.Int("status", tr.Status),
		slog.Int("receipts", c.log.Len()),
	)
	return json.RawMessage(body), nil
}
