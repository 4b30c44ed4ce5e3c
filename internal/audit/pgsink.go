package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"tokenforge.org/internal/ids"
)

// PGSink appends events to the audit_log table.
type PGSink struct {
	db *sql.DB
}

// NewPGSink constructs a PostgreSQL-backed sink.
func NewPGSink(db *sql.DB) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Emit(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	meta, _ := json.Marshal(event.Fields)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(id, occurred_at, level, event_type, user_id, session_id, actor, reason, metadata)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ids.New(), event.OccurredAt, string(event.Level), event.Type,
		nullable(event.UserID), nullable(event.SessionID), nullable(event.Actor), nullable(event.Reason), meta,
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
