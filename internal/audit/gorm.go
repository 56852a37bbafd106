package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// EventModel maps to the "hpc_audit_events" table.
// No UpdatedAt or DeletedAt: the table is append-only.
type EventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	CallID     string    `gorm:"index;not null"`
	Capability string    `gorm:"index;not null"`
	Request    string    `gorm:"type:text"`
	Response   string    `gorm:"type:text"`
	Status     string    `gorm:"not null"`
	Error      string    `gorm:"type:text"`
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

func (EventModel) TableName() string { return "hpc_audit_events" }

// GormStore persists events through GORM (SQLite or PostgreSQL).
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenSQLite opens a SQLite audit database at path.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
func OpenSQLite(path string, slogger *slog.Logger) (*GormStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	return openGorm(sqlite.Open(dsn), "sqlite", slogger)
}

// OpenPostgres connects to PostgreSQL with the given DSN.
func OpenPostgres(dsn string, slogger *slog.Logger) (*GormStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	return openGorm(postgres.Open(dsn), "postgres", slogger)
}

func openGorm(dialector gorm.Dialector, driver string, slogger *slog.Logger) (*GormStore, error) {
	if slogger == nil {
		slogger = slog.New(slog.DiscardHandler)
	}
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s audit database: %w", driver, err)
	}
	if err := db.AutoMigrate(&EventModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating audit table: %w", err)
	}

	slogger.Info("audit store opened", slog.String("driver", driver))
	return &GormStore{db: db, logger: slogger}, nil
}

// Append inserts the event.
func (s *GormStore) Append(ctx context.Context, event Event) error {
	event = normalize(event)
	m := EventModel{
		ID:         event.ID,
		CallID:     event.CallID,
		Capability: event.Capability,
		Request:    string(event.Request),
		Response:   string(event.Response),
		Status:     event.Status,
		Error:      event.Error,
		DurationMS: event.Duration.Milliseconds(),
		CreatedAt:  event.Time,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Events returns up to limit events for a capability, oldest first.
// An empty capability matches all.
func (s *GormStore) Events(ctx context.Context, capability string, limit int) ([]Event, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if capability != "" {
		q = q.Where("capability = ?", capability)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []EventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	out := make([]Event, 0, len(models))
	for _, m := range models {
		out = append(out, Event{
			ID:         m.ID,
			CallID:     m.CallID,
			Capability: m.Capability,
			Request:    rawOrNil(m.Request),
			Response:   rawOrNil(m.Response),
			Status:     m.Status,
			Error:      m.Error,
			Duration:   time.Duration(m.DurationMS) * time.Millisecond,
			Time:       m.CreatedAt,
		})
	}
	return out, nil
}

// Ping checks the database connection. Used as a readiness check.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rawOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
