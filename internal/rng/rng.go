// Package rng draws small random choices from the host's random source.
package rng

import (
	"context"

	"github.com/jkaninda/hpcbridge/internal/hpc"
)

// MaxBound is the largest n UniformBelow accepts; one host byte backs each draw.
const MaxBound = 255

// Caller is the HPC primitive used for rng calls.
type Caller interface {
	Call(ctx context.Context, req hpc.Request) (hpc.Response, error)
}

// Helper talks to the rng capability directly. It keeps no receipts.
type Helper struct {
	hpc Caller
}

// New creates a Helper on the given HPC client.
func New(caller Caller) *Helper {
	return &Helper{hpc: caller}
}

// UniformBelow returns a value in [0, n) from one host random byte reduced
// modulo n. When n does not divide 256 the result carries a small bias.
func (h *Helper) UniformBelow(ctx context.Context, n int) (int, error) {
	if n <= 0 || n > MaxBound {
		return 0, hpc.RangeError("uniform below", "n must be in [1, %d], got %d", MaxBound, n)
	}
	resp, err := h.hpc.Call(ctx, hpc.NewRNGRequest())
	if err != nil {
		return 0, err
	}
	r, err := resp.DecodeRNG()
	if err != nil {
		return 0, err
	}
	return r.Bytes[0] % n, nil
}
