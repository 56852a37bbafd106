// Package audit records every call the host router dispatches.
//
// This is the host's own trail, independent of the receipt log a guest keeps.
// Events are append-only: stores never update or delete.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/hpcbridge/internal/config"
)

// Status values recorded on an Event.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event is a single dispatched call.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	CallID     string          `json:"call_id"`
	Capability string          `json:"capability"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration_ns"`
	Time       time.Time       `json:"time"`
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	Close() error
}

// NopStore discards every event.
type NopStore struct{}

func (NopStore) Append(context.Context, Event) error { return nil }
func (NopStore) Close() error                        { return nil }

// Open returns the store selected by cfg. A nil cfg yields a NopStore.
func Open(cfg *config.AuditConfig, logger *slog.Logger) (Store, error) {
	if cfg == nil {
		return NopStore{}, nil
	}
	switch cfg.Driver {
	case "", "jsonl":
		return NewJSONLStore(cfg.Path, logger)
	case "sqlite":
		return OpenSQLite(cfg.Path, logger)
	case "postgres":
		return OpenPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", cfg.Driver)
	}
}

// normalize fills the ID and timestamp when the caller left them empty.
func normalize(e Event) Event {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusOK
		if e.Error != "" {
			e.Status = StatusError
		}
	}
	return e
}
