// Package sandbox launches guest programs as isolated OS processes and, when a
// Bridge is supplied, attaches the host router to the guest's hpc channel.
package sandbox

import (
	"context"
	"io"
	"net"
	"time"
)

// Transport names understood by the guest side (see internal/guest).
const (
	TransportPipe   = "pipe"
	TransportSocket = "socket"
)

// Environment variables the guest reads to find its channel.
const (
	EnvTransport = "HPC_TRANSPORT"
	EnvChannel   = "HPC_CHANNEL"
)

// Pipe mode file descriptors, as seen by the guest.
const (
	GuestRequestFD  = 3 // guest → host
	GuestResponseFD = 4 // host → guest
)

// Sandbox executes guest commands.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// Bridge is the host side of the hpc channel. *router.Router implements it.
type Bridge interface {
	ServeStream(ctx context.Context, in io.Reader, out io.Writer) error
	ServeSocket(ctx context.Context, ln net.Listener) error
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the guest program and arguments (e.g. ["hpcbridge", "adventure"]).
	Command []string

	// WorkingDir overrides the working directory. Empty = isolated temp dir.
	WorkingDir string

	// Env adds variables on top of the sanitized base set.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits

	// Transport overrides the sandbox's bridge transport ("pipe" or "socket").
	Transport string
}

// ResourceLimits constrains the guest process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ExecutionResult captures the outcome of a guest run.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Transport string // Empty when no bridge was attached.
}
