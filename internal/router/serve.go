package router

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// ServeFile services the single request stored at path and replaces the
// file's contents with the response. Its signature matches hpc.HandoffFunc.
func (r *Router) ServeFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading request file: %w", err)
	}
	out := r.Dispatch(ctx, raw)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("opening response file: %w", err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return fmt.Errorf("writing response file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing response file: %w", err)
	}
	return f.Close()
}

// ServeStream reads request documents from in and writes one response per
// request to out until in reaches EOF or ctx is cancelled. A request that is
// not valid JSON is answered with an error document and ends the stream.
func (r *Router) ServeStream(ctx context.Context, in io.Reader, out io.Writer) error {
	dec := json.NewDecoder(bufio.NewReader(in))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_ = writeDocument(out, errorDocument("malformed request: "+err.Error(), ""))
			return fmt.Errorf("decoding request: %w", err)
		}
		if err := writeDocument(out, r.Dispatch(ctx, raw)); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}

func writeDocument(w io.Writer, doc []byte) error {
	buf := make([]byte, 0, len(doc)+1)
	buf = append(buf, doc...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// ServeSocket accepts connections on ln, one request per connection: the
// guest writes its document and closes its write side, the router replies
// and closes. Returns when ctx is cancelled or ln is closed.
func (r *Router) ServeSocket(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.serveConn(ctx, conn)
		}()
	}
}

const connTimeout = 5 * time.Minute

func (r *Router) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	raw, err := io.ReadAll(conn)
	if err != nil {
		r.logger.WarnContext(ctx, "reading hpc request", slog.String("error", err.Error()))
		return
	}
	if _, err := conn.Write(r.Dispatch(ctx, raw)); err != nil {
		r.logger.WarnContext(ctx, "writing hpc response", slog.String("error", err.Error()))
	}
}
