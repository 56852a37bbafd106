package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/hpcbridge/internal/audit"
	"github.com/jkaninda/hpcbridge/internal/hpc"
	"github.com/jkaninda/hpcbridge/internal/ratelimit"
)

type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Append(_ context.Context, e audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memAudit) Close() error { return nil }

type countingObserver struct {
	calls map[string]int
}

func (o *countingObserver) ObserveDispatch(_ context.Context, capability, status string, _ time.Duration) {
	o.calls[capability+"/"+status]++
}

func decodeDoc(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("response %q is not a JSON object: %v", b, err)
	}
	return m
}

func TestDispatch_Errors(t *testing.T) {
	r := New()
	r.Register("rng", RNGHandler{})

	tests := []struct {
		name       string
		raw        string
		capability string
	}{
		{"unknown capability", `{"teleport":{}}`, "teleport"},
		{"not json", `{"rng":`, ""},
		{"no keys", `{}`, ""},
		{"two keys", `{"rng":{},"tlsp":{}}`, ""},
		{"array", `[1,2]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := decodeDoc(t, r.Dispatch(context.Background(), []byte(tt.raw)))
			if _, ok := doc["error"].(string); !ok {
				t.Fatalf("expected error document, got %v", doc)
			}
			got, _ := doc["capability"].(string)
			if got != tt.capability {
				t.Errorf("capability = %q, want %q", got, tt.capability)
			}
		})
	}
}

func TestDispatch_HandlerError(t *testing.T) {
	r := New()
	r.Register("fail", HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	}))
	doc := decodeDoc(t, r.Dispatch(context.Background(), []byte(`{"fail":null}`)))
	if doc["error"] != "boom" || doc["capability"] != "fail" {
		t.Errorf("got %v", doc)
	}
}

func TestDispatch_CallIDInContext(t *testing.T) {
	r := New()
	var seen string
	r.Register("id", HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
		seen = CallID(ctx)
		return map[string]string{"ok": "yes"}, nil
	}))
	r.Dispatch(context.Background(), []byte(`{"id":{}}`))
	if seen == "" {
		t.Error("handler context should carry a call ID")
	}
}

func TestDispatch_RateLimit(t *testing.T) {
	r := New(WithLimiter(ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1})))
	r.Register("rng", RNGHandler{})

	first := decodeDoc(t, r.Dispatch(context.Background(), []byte(`{"rng":{}}`)))
	if _, ok := first["bytes"]; !ok {
		t.Fatalf("first call should succeed, got %v", first)
	}
	second := decodeDoc(t, r.Dispatch(context.Background(), []byte(`{"rng":{}}`)))
	msg, _ := second["error"].(string)
	if !strings.Contains(msg, ratelimit.ErrRateLimited.Error()) {
		t.Errorf("second call error = %q", msg)
	}
}

func TestDispatch_AuditAndObserver(t *testing.T) {
	store := &memAudit{}
	obs := &countingObserver{calls: map[string]int{}}
	r := New(WithAudit(store), WithObserver(obs))
	r.Register("rng", RNGHandler{})

	r.Dispatch(context.Background(), []byte(`{"rng":{"n":2}}`))
	r.Dispatch(context.Background(), []byte(`{"nope":{}}`))

	if len(store.events) != 2 {
		t.Fatalf("got %d audit events, want 2", len(store.events))
	}
	ok, failed := store.events[0], store.events[1]
	if ok.Status != audit.StatusOK || ok.Capability != "rng" || string(ok.Request) != `{"rng":{"n":2}}` {
		t.Errorf("ok event = %+v", ok)
	}
	if failed.Status != audit.StatusError || failed.Error == "" {
		t.Errorf("failed event = %+v", failed)
	}
	if ok.CallID == "" || ok.CallID == failed.CallID {
		t.Error("each call needs a distinct call ID")
	}
	if obs.calls["rng/ok"] != 1 || obs.calls["nope/error"] != 1 {
		t.Errorf("observer calls = %v", obs.calls)
	}
}

func TestRNGHandler_Count(t *testing.T) {
	tests := []struct {
		payload string
		max     int
		want    int
	}{
		{``, 0, 1},
		{`null`, 0, 1},
		{`{}`, 0, 1},
		{`{"n":5}`, 0, 5},
		{`{"n":0}`, 0, 1},
		{`{"n":-3}`, 0, 1},
		{`{"n":1000}`, 16, 16},
		{`{"n":1000}`, 0, defaultRNGMaxBytes},
	}
	for _, tt := range tests {
		res, err := RNGHandler{MaxBytes: tt.max}.Handle(context.Background(), json.RawMessage(tt.payload))
		if err != nil {
			t.Fatalf("payload %q: %v", tt.payload, err)
		}
		got := res.(hpc.RNGResponse).Bytes
		if len(got) != tt.want {
			t.Errorf("payload %q max %d: got %d bytes, want %d", tt.payload, tt.max, len(got), tt.want)
		}
		for _, b := range got {
			if b < 0 || b > 255 {
				t.Errorf("byte %d out of range", b)
			}
		}
	}
}

func TestRNGHandler_BadPayload(t *testing.T) {
	if _, err := (RNGHandler{}).Handle(context.Background(), json.RawMessage(`{"n":"many"}`)); err == nil {
		t.Fatal("expected error for non-numeric n")
	}
}

func TestServeFile_WithClient(t *testing.T) {
	r := New()
	r.Register("rng", RNGHandler{})

	path := filepath.Join(t.TempDir(), "hpc")
	client := hpc.NewClient(hpc.NewFileTransport(path, r.ServeFile), nil)

	resp, err := client.Call(context.Background(), hpc.NewRNGRequest())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	rng, err := resp.DecodeRNG()
	if err != nil {
		t.Fatalf("DecodeRNG: %v", err)
	}
	if len(rng.Bytes) != 1 {
		t.Errorf("got %d bytes, want 1", len(rng.Bytes))
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, resp.Raw()) {
		t.Errorf("file holds %q, response was %q", onDisk, resp.Raw())
	}
}

func TestServeStream(t *testing.T) {
	r := New()
	r.Register("rng", RNGHandler{})

	in := strings.NewReader(`{"rng":{"n":3}}` + "\n" + `{"other":{}}`)
	var out bytes.Buffer
	if err := r.ServeStream(context.Background(), in, &out); err != nil {
		t.Fatalf("ServeStream: %v", err)
	}

	dec := json.NewDecoder(&out)
	var first hpc.RNGResponse
	if err := dec.Decode(&first); err != nil {
		t.Fatal(err)
	}
	if len(first.Bytes) != 3 {
		t.Errorf("first response has %d bytes", len(first.Bytes))
	}
	var second map[string]any
	if err := dec.Decode(&second); err != nil {
		t.Fatal(err)
	}
	if second["capability"] != "other" {
		t.Errorf("second response = %v", second)
	}
}

func TestServeStream_Malformed(t *testing.T) {
	r := New()
	var out bytes.Buffer
	err := r.ServeStream(context.Background(), strings.NewReader(`{"rng": nope}`), &out)
	if err == nil {
		t.Fatal("expected error for malformed stream")
	}
	decodeDoc(t, bytes.TrimSpace(out.Bytes()))
}

func TestServeSocket_WithClient(t *testing.T) {
	r := New()
	r.Register("rng", RNGHandler{})

	sock := filepath.Join(t.TempDir(), "hpc.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ServeSocket(ctx, ln) }()

	client := hpc.NewClient(hpc.NewSocketTransport(sock), nil)
	for i := 0; i < 3; i++ {
		resp, err := client.Call(ctx, hpc.NewRNGRequest())
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if _, err := resp.DecodeRNG(); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeSocket returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeSocket did not stop after cancel")
	}
}
