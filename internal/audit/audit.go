package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"tokenforge.org/internal/obs"
)

// Level grades the severity of an audit event.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Event is a structured security event. Rotation and revocation operations
// emit these; delivery failures are logged and never propagated to callers.
type Event struct {
	Type       string
	Level      Level
	UserID     string
	SessionID  string
	Actor      string
	Reason     string
	OccurredAt time.Time
	Fields     map[string]any
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// LogSink writes events as JSON lines through the shared logger.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, event Event) error {
	if strings.TrimSpace(event.Type) == "" {
		return errors.New("audit: event type is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	entry := map[string]any{
		"ts":    event.OccurredAt.Format(time.RFC3339Nano),
		"type":  "audit",
		"level": string(event.Level),
		"event": event.Type,
	}
	if event.UserID != "" {
		entry["user_id"] = event.UserID
	}
	if event.SessionID != "" {
		entry["session_id"] = event.SessionID
	}
	if event.Actor != "" {
		entry["actor"] = event.Actor
	}
	if event.Reason != "" {
		entry["reason"] = event.Reason
	}
	if len(event.Fields) > 0 {
		entry["fields"] = event.Fields
	} else {
		entry["fields"] = map[string]any{}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// MultiSink fans an event out to every sink and joins the failures.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
