package hpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Client is the guest-side HPC primitive. One call is in flight at a time.
type Client struct {
	transport Transport
	logger    *slog.Logger

	mu sync.Mutex
}

// NewClient creates a Client on the given transport.
func NewClient(t Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{transport: t, logger: logger}
}

// Call serializes req, writes it to the channel, blocks for the host's reply,
// and returns it once it parses as JSON. There is no timeout at this layer
// beyond what ctx carries.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	if err := c.transport.Send(ctx, payload); err != nil {
		return nil, err
	}
	raw, err := c.transport.ReceiveAll(ctx)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, protocolErr("parse response", fmt.Errorf("malformed JSON from host (%d bytes)", len(raw)))
	}

	c.logger.DebugContext(ctx, "hpc call completed",
		slog.String("capability", req.Capability()),
		slog.Int("request_bytes", len(payload)),
		slog.Int("response_bytes", len(raw)),
		slog.Duration("duration", time.Since(start)),
	)

	return Response(raw), nil
}
