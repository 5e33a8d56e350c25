// Package audit delivers pipeline events to a compliance sink. The pipeline
// only emits; storage and retention are the sink's concern.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/deployctl/internal/db"
	"github.com/edvin/deployctl/internal/model"
	"github.com/edvin/deployctl/internal/platform"
)

// Recorder is the write-only sink for stage, approval, lock and rollback
// events. Implementations must not block the pipeline.
type Recorder interface {
	Record(event model.AuditEvent)
}

// fill stamps identity and time on events the emitter left blank.
func fill(e model.AuditEvent) model.AuditEvent {
	if e.ID == "" {
		e.ID = platform.NewID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	return e
}

// LogRecorder writes audit events to the structured log. Used when no
// database is configured, and in tests.
type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(event model.AuditEvent) {
	event = fill(event)
	r.logger.Info().
		Str("audit_id", event.ID).
		Str("execution_id", event.ExecutionID).
		Str("kind", event.Kind).
		Str("actor", event.Actor).
		Str("environment", string(event.Environment)).
		Str("old_status", event.OldStatus).
		Str("new_status", event.NewStatus).
		Str("message", event.Message).
		Msg("audit event")
}

// DBRecorder is an async audit event writer: events are buffered on a
// channel and drained to the audit_events table by a background goroutine,
// so pipeline progress never waits on the database.
type DBRecorder struct {
	db     db.Querier
	logger zerolog.Logger
	ch     chan model.AuditEvent
	done   chan struct{}
}

func NewDBRecorder(querier db.Querier, logger zerolog.Logger) *DBRecorder {
	r := &DBRecorder{
		db:     querier,
		logger: logger,
		ch:     make(chan model.AuditEvent, 1024),
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *DBRecorder) drain() {
	defer close(r.done)
	for event := range r.ch {
		var details []byte
		if len(event.Details) > 0 {
			details, _ = json.Marshal(event.Details)
		}
		// context.Background since this runs detached from any request.
		_, err := r.db.Exec(context.Background(),
			`INSERT INTO audit_events (id, execution_id, kind, actor, environment, old_status, new_status, message, details, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			event.ID, event.ExecutionID, event.Kind, event.Actor, event.Environment,
			event.OldStatus, event.NewStatus, event.Message, details, event.OccurredAt,
		)
		if err != nil {
			r.logger.Error().Err(err).Str("execution_id", event.ExecutionID).Msg("failed to write audit event")
		}
	}
}

func (r *DBRecorder) Record(event model.AuditEvent) {
	select {
	case r.ch <- fill(event):
	default:
		r.logger.Warn().Str("execution_id", event.ExecutionID).Msg("audit buffer full, dropping event")
	}
}

// Close drains remaining events and waits for the writer to finish.
func (r *DBRecorder) Close() {
	close(r.ch)
	<-r.done
}
