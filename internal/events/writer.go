package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Timeline event kinds.
const (
	KindCreated            = "created"
	KindUpdated            = "updated"
	KindStateChanged       = "state_changed"
	KindContributorAdded   = "contributor_added"
	KindContributorRemoved = "contributor_removed"
)

// Writer appends timeline events inside the caller's transaction so the
// event commits or rolls back with the mutation it records.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind, entityID, actorID string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO timeline_events(entity_id,kind,actor_id,ts,payload_json) VALUES (?,?,?,?,?)`,
		entityID, kind, actorID, ts, string(data))
	return err
}
