package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/hpcbridge/internal/config"
)

func TestJSONLStore_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "hpc.jsonl")
	s, err := NewJSONLStore(path, nil)
	if err != nil {
		t.Fatalf("NewJSONLStore: %v", err)
	}

	ctx := context.Background()
	if err := s.Append(ctx, Event{CallID: "c1", Capability: "rng", Request: json.RawMessage(`{"rng":{}}`), Response: json.RawMessage(`{"bytes":[7]}`)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, Event{CallID: "c2", Capability: "tlsp", Error: "domain not allowed"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 0600", perm)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Status != StatusOK || events[1].Status != StatusError {
		t.Errorf("statuses = %q, %q", events[0].Status, events[1].Status)
	}
	if events[0].ID == events[1].ID {
		t.Error("event IDs must be unique")
	}
	if events[0].Time.IsZero() {
		t.Error("event time should be set")
	}
}

func TestJSONLStore_RequiresPath(t *testing.T) {
	if _, err := NewJSONLStore("", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestGormStore_SQLite(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	base := time.Now().UTC()
	if err := s.Append(ctx, Event{CallID: "a", Capability: "rng", Response: json.RawMessage(`{"bytes":[1]}`), Duration: 3 * time.Millisecond, Time: base}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, Event{CallID: "b", Capability: "tlsp", Error: "boom", Time: base.Add(time.Second)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := s.Events(ctx, "", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d events, want 2", len(all))
	}
	if all[0].CallID != "a" || all[1].CallID != "b" {
		t.Errorf("order = %s, %s", all[0].CallID, all[1].CallID)
	}
	if string(all[0].Response) != `{"bytes":[1]}` {
		t.Errorf("response = %s", all[0].Response)
	}
	if all[0].Duration != 3*time.Millisecond {
		t.Errorf("duration = %v", all[0].Duration)
	}

	tlsp, err := s.Events(ctx, "tlsp", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tlsp) != 1 || tlsp[0].Status != StatusError {
		t.Errorf("tlsp events = %+v", tlsp)
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(NopStore); !ok {
		t.Errorf("nil config should give NopStore, got %T", s)
	}

	s, err = Open(&config.AuditConfig{Driver: "jsonl", Path: filepath.Join(t.TempDir(), "a.jsonl")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(*JSONLStore); !ok {
		t.Errorf("jsonl driver gave %T", s)
	}

	if _, err := Open(&config.AuditConfig{Driver: "mongo"}, nil); err == nil {
		t.Error("expected error for unknown driver")
	}
}
