// Package events appends to the project journal: one row per state change,
// written inside the same transaction as the change itself.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append journals one state change. projectID and entityID may be empty for
// workspace-level events; payload is stored as JSON, never null.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	data := []byte("{}")
	if len(payload) > 0 {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		w.timestamp(), evtType, orNil(projectID), entityKind, orNil(entityID), actorID, string(data))
	return err
}

func (w Writer) timestamp() string {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func orNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}
