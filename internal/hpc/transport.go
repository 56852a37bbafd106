package hpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Transport moves one request and then one response across the trust
// boundary. Send must be fully complete (flushed, closed) before it returns;
// ReceiveAll then returns the whole response document.
//
// Transports are not safe for overlapping calls. Client serializes access.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	ReceiveAll(ctx context.Context) ([]byte, error)
}

// --- FileTransport ---

// HandoffFunc runs between Send and ReceiveAll on a FileTransport. It is the
// point where the host observes the closed request file and writes the
// response in its place.
type HandoffFunc func(ctx context.Context, path string) error

// FileTransport uses a single named file: write-truncate the request, close
// it, hand off to the host, then read the response back from the same path.
// A file that still holds the request at read time means the host never
// answered, and ReceiveAll fails with ErrIO.
type FileTransport struct {
	Path    string
	Handoff HandoffFunc // nil = the host is driven externally (e.g. a supervisor trap).

	sent []byte
}

// NewFileTransport creates a file-backed transport on path.
func NewFileTransport(path string, handoff HandoffFunc) *FileTransport {
	return &FileTransport{Path: path, Handoff: handoff}
}

func (t *FileTransport) Send(ctx context.Context, payload []byte) error {
	f, err := os.OpenFile(t.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return ioErr("send", fmt.Errorf("opening %s for write: %w", t.Path, err))
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return ioErr("send", fmt.Errorf("writing %s: %w", t.Path, err))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return ioErr("send", fmt.Errorf("syncing %s: %w", t.Path, err))
	}
	// Close is the synchronization point: the host may act only after it.
	if err := f.Close(); err != nil {
		return ioErr("send", fmt.Errorf("closing %s: %w", t.Path, err))
	}
	t.sent = append(t.sent[:0], payload...)
	if t.Handoff != nil {
		if err := t.Handoff(ctx, t.Path); err != nil {
			return ioErr("handoff", err)
		}
	}
	return nil
}

func (t *FileTransport) ReceiveAll(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return nil, ioErr("receive", fmt.Errorf("reading %s: %w", t.Path, err))
	}
	sent := t.sent
	t.sent = nil
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ioErr("receive", fmt.Errorf("%s is empty: host wrote no response", t.Path))
	}
	if sent != nil && bytes.Equal(data, sent) {
		return nil, ioErr("receive", fmt.Errorf("host did not replace the request in %s", t.Path))
	}
	return data, nil
}

// --- StreamTransport ---

// StreamTransport carries JSON documents over a writer (guest→host) and a
// reader (host→guest), typically a pair of pipes. No framing beyond the JSON
// document itself; a trailing newline is written for readability only.
//
// A receive abandoned on context cancellation leaves a decode pending on the
// reader, so the transport is broken from then on: every later Send and
// ReceiveAll fails with ErrIO.
type StreamTransport struct {
	w   io.Writer
	dec *json.Decoder

	mu     sync.Mutex
	broken error
}

// NewStreamTransport wraps a reader/writer pair.
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	return &StreamTransport{w: w, dec: json.NewDecoder(bufio.NewReader(r))}
}

func (t *StreamTransport) Send(ctx context.Context, payload []byte) error {
	if err := t.err(); err != nil {
		return ioErr("send", err)
	}
	if err := ctx.Err(); err != nil {
		return ioErr("send", err)
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	if _, err := t.w.Write(buf); err != nil {
		return ioErr("send", err)
	}
	if f, ok := t.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return ioErr("send", err)
		}
	}
	return nil
}

func (t *StreamTransport) ReceiveAll(ctx context.Context) ([]byte, error) {
	if err := t.err(); err != nil {
		return nil, ioErr("receive", err)
	}
	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		var raw json.RawMessage
		err := t.dec.Decode(&raw)
		done <- result{raw: raw, err: err}
	}()

	select {
	case <-ctx.Done():
		t.mu.Lock()
		t.broken = fmt.Errorf("stream desynchronized: a receive was abandoned (%w)", ctx.Err())
		t.mu.Unlock()
		return nil, ioErr("receive", ctx.Err())
	case res := <-done:
		if res.err == nil {
			return res.raw, nil
		}
		if errors.Is(res.err, io.EOF) || errors.Is(res.err, io.ErrUnexpectedEOF) {
			return nil, ioErr("receive", fmt.Errorf("host closed the channel: %w", res.err))
		}
		var syn *json.SyntaxError
		if errors.As(res.err, &syn) {
			return nil, protocolErr("receive", res.err)
		}
		return nil, ioErr("receive", res.err)
	}
}

func (t *StreamTransport) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broken
}

// --- SocketTransport ---

// SocketTransport dials a unix socket per call. The request is written and
// the write side closed; the host's full reply is read until EOF.
type SocketTransport struct {
	Path        string
	DialTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewSocketTransport creates a unix-socket transport.
func NewSocketTransport(path string) *SocketTransport {
	return &SocketTransport{Path: path, DialTimeout: 5 * time.Second}
}

func (t *SocketTransport) Send(ctx context.Context, payload []byte) error {
	d := net.Dialer{Timeout: t.DialTimeout}
	conn, err := d.DialContext(ctx, "unix", t.Path)
	if err != nil {
		return ioErr("send", fmt.Errorf("connecting to %s: %w", t.Path, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		_ = conn.Close()
		return ioErr("send", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			_ = conn.Close()
			return ioErr("send", err)
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *SocketTransport) ReceiveAll(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil, ioErr("receive", fmt.Errorf("no request in flight"))
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := io.ReadAll(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ioErr("receive", ctx.Err())
		}
		return nil, ioErr("receive", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ioErr("receive", fmt.Errorf("host closed the connection without a response"))
	}
	return data, nil
}

// --- FuncTransport ---

// FuncTransport is an in-process transport: Send hands the request to a
// function and ReceiveAll returns its reply.
type FuncTransport struct {
	Fn func(ctx context.Context, request []byte) ([]byte, error)

	mu      sync.Mutex
	pending []byte
}

// NewFuncTransport wraps fn.
func NewFuncTransport(fn func(ctx context.Context, request []byte) ([]byte, error)) *FuncTransport {
	return &FuncTransport{Fn: fn}
}

func (t *FuncTransport) Send(ctx context.Context, payload []byte) error {
	resp, err := t.Fn(ctx, payload)
	if err != nil {
		return ioErr("send", err)
	}
	t.mu.Lock()
	t.pending = resp
	t.mu.Unlock()
	return nil
}

func (t *FuncTransport) ReceiveAll(_ context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return nil, ioErr("receive", fmt.Errorf("no response pending"))
	}
	out := t.pending
	t.pending = nil
	return out, nil
}
