package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// JSONLStore writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
type JSONLStore struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewJSONLStore opens (or creates) the audit file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewJSONLStore(path string, logger *slog.Logger) (*JSONLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("audit path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &JSONLStore{file: f, logger: logger}, nil
}

// Append serializes the event and appends it to the file.
// Marshal happens outside the lock; only the write is serialized.
func (s *JSONLStore) Append(ctx context.Context, event Event) error {
	event = normalize(event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, writeErr := s.file.Write(data)
	s.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	s.logger.DebugContext(ctx, "audit event logged",
		slog.String("call_id", event.CallID),
		slog.String("capability", event.Capability),
		slog.String("status", event.Status),
	)
	return nil
}

// Close closes the underlying file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
