package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Transition event types, emitted exactly once per state transition
// inside the mutating transaction.
const (
	TRASubmitted  = "tra.submitted"
	TRAApproved   = "tra.approved"
	TRARejected   = "tra.rejected"
	LMRACompleted = "lmra.completed"
	LMRAStopWork  = "lmra.stop_work"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside the caller's transaction so the event
// commits or rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Recorder is the best-effort audit surface. A failed audit write is
// logged and never fails the primary operation.
type Recorder struct {
	DB     *sql.DB
	Logger *log.Logger
	Now    func() time.Time
}

func (r Recorder) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Record appends an audit entry outside any transaction.
func (r Recorder) Record(ctx context.Context, projectID, entityKind, subjectID, actorID, action string, payload EventPayload) {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger().Printf("audit: marshal %s payload failed: %v", action, err)
		return
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), action, nullable(projectID), entityKind, nullable(subjectID), actorID, string(data))
	if err != nil {
		r.logger().Printf("audit: record %s for %s failed: %v", action, subjectID, err)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
