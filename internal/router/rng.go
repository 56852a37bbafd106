package router

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/jkaninda/hpcbridge/internal/hpc"
)

const defaultRNGMaxBytes = 64

// RNGHandler serves the rng capability with bytes from crypto/rand.
type RNGHandler struct {
	MaxBytes int // Upper bound on bytes per call. 0 = 64.
}

// Handle returns `{"bytes": [...]}`. The count comes from `{"n": k}`, clamped
// to [1, MaxBytes]; absent means 1.
func (h RNGHandler) Handle(_ context.Context, payload json.RawMessage) (any, error) {
	var req hpc.RNGRequest
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid rng payload: %w", err)
		}
	}

	limit := h.MaxBytes
	if limit <= 0 {
		limit = defaultRNGMaxBytes
	}
	n := min(max(req.N, 1), limit)

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("reading entropy: %w", err)
	}
	out := hpc.RNGResponse{Bytes: make([]int, n)}
	for i, b := range buf {
		out.Bytes[i] = int(b)
	}
	return out, nil
}
