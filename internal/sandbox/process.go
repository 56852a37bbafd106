package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty guests.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout    = 300 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 4096

	socketName = "hpc.sock"
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	Transport      string // "pipe" (default) or "socket".
	Bridge         Bridge // nil = run the guest without an hpc channel.
}

// ProcessSandbox executes guests as isolated OS processes.
//
// Security guarantees:
//   - Each execution gets its own temp directory (removed after)
//   - Process runs in its own process group, killed as a whole on timeout
//   - No environment inheritance from the host, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped
type ProcessSandbox struct {
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	transport      string
	bridge         Bridge
	logger         *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	transport := cfg.Transport
	if transport == "" {
		transport = TransportPipe
	}
	return &ProcessSandbox{
		defaultTimeout: timeout,
		defaultLimits:  limits,
		transport:      transport,
		bridge:         cfg.Bridge,
		logger:         logger,
	}
}

// attachment is a bridge connection set up around one guest run.
type attachment struct {
	transport string
	env       map[string]string
	files     []*os.File // ExtraFiles for the child.
	childEnds []*os.File // Closed in the parent once the child has started.
	done      chan error
	start     func(ctx context.Context)
	stop      func()
}

// Execute runs the guest and, with a bridge configured, serves its hpc calls
// until it exits.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "hpcbridge-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	limits := s.resolveLimits(req.Limits)

	// sh -c 'ulimit ...; exec "$@"' _ cmd args...
	// The guest command is passed as positional parameters, never interpolated.
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		limits.MaxMemoryMB*1024, limits.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", shellScript, "_")
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = tmpDir
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var att *attachment
	if s.bridge != nil {
		transport := req.Transport
		if transport == "" {
			transport = s.transport
		}
		att, err = s.attach(transport, tmpDir)
		if err != nil {
			return nil, err
		}
		defer att.stop()
		cmd.ExtraFiles = att.files
	}

	env := req.Env
	if att != nil {
		env = make(map[string]string, len(req.Env)+len(att.env))
		for k, v := range req.Env {
			env[k] = v
		}
		for k, v := range att.env {
			env[k] = v
		}
	}
	cmd.Env = buildEnv(tmpDir, env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.InfoContext(ctx, "sandbox executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting guest: %w", err)
	}
	if att != nil {
		for _, f := range att.childEnds {
			f.Close()
		}
		att.start(ctx)
	}
	runErr := cmd.Wait()
	duration := time.Since(start)

	var serveErr error
	if att != nil {
		att.stop()
		serveErr = <-att.done
	}

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			s.logger.WarnContext(ctx, "sandbox execution timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("execution timed out after %s", timeout)
		}
		// Non-zero exit code is not an error; it's a result.
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}
	if serveErr != nil {
		s.logger.WarnContext(ctx, "bridge stopped with error", slog.String("error", serveErr.Error()))
	}

	s.logger.InfoContext(ctx, "sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	result := &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}
	if att != nil {
		result.Transport = att.transport
	}
	return result, nil
}

// attach prepares the hpc channel for one run.
func (s *ProcessSandbox) attach(transport, tmpDir string) (*attachment, error) {
	switch transport {
	case TransportPipe:
		return s.attachPipe()
	case TransportSocket:
		return s.attachSocket(filepath.Join(tmpDir, socketName))
	default:
		return nil, fmt.Errorf("unsupported sandbox transport %q", transport)
	}
}

// attachPipe passes two pipes as fds 3 (guest writes requests) and 4 (guest
// reads responses).
func (s *ProcessSandbox) attachPipe() (*attachment, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating request pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("creating response pipe: %w", err)
	}

	att := &attachment{
		transport: TransportPipe,
		env: map[string]string{
			EnvTransport: TransportPipe,
			EnvChannel:   strconv.Itoa(GuestRequestFD) + "," + strconv.Itoa(GuestResponseFD),
		},
		files:     []*os.File{reqW, respR},
		childEnds: []*os.File{reqW, respR},
		done:      make(chan error, 1),
	}
	started := false
	att.start = func(ctx context.Context) {
		started = true
		go func() {
			err := s.bridge.ServeStream(ctx, reqR, respW)
			if errors.Is(err, os.ErrClosed) {
				err = nil
			}
			att.done <- err
		}()
	}
	stopped := false
	att.stop = func() {
		if stopped {
			return
		}
		stopped = true
		// Closing the read end unblocks a serve loop whose guest left a
		// descendant holding fd 3 open.
		reqR.Close()
		respW.Close()
		if !started {
			reqW.Close()
			respR.Close()
			att.done <- nil
		}
	}
	return att, nil
}

// attachSocket listens on a unix socket inside the guest's temp dir.
func (s *ProcessSandbox) attachSocket(path string) (*attachment, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	att := &attachment{
		transport: TransportSocket,
		env: map[string]string{
			EnvTransport: TransportSocket,
			EnvChannel:   path,
		},
		done: make(chan error, 1),
	}
	serveCtx, cancel := context.WithCancel(context.Background())
	started := false
	att.start = func(ctx context.Context) {
		started = true
		stopOnParent := context.AfterFunc(ctx, cancel)
		go func() {
			defer stopOnParent()
			att.done <- s.bridge.ServeSocket(serveCtx, ln)
		}()
	}
	stopped := false
	att.stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		ln.Close()
		if !started {
			att.done <- nil
		}
	}
	return att, nil
}

// resolveLimits merges request-level overrides with sandbox defaults.
func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// buildEnv constructs a minimal environment. The host's own environment is
// never inherited; credentials reach the guest only through extra.
func buildEnv(tmpDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter discards everything past its byte limit.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
