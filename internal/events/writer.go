package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TaskCreated     = "task.created"
	TaskAccepted    = "task.accepted"
	TaskSubmitted   = "task.submitted"
	TaskCompleted   = "task.completed"
	AgentRegistered = "agent.registered"
)

type Payload map[string]any

// Event is a journal entry before it is stored.
type Event struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

// Writer appends lifecycle events to the sqlite journal.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, evt Event) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := evt.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evt.Type, evt.EntityKind, evt.EntityID, nullable(evt.ActorID), string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", evt.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
