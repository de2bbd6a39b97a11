package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	RunImport      = "run.import"
	ArtifactCreate = "artifact.create"
	AnalysisStart  = "analysis.start"
	AnalysisFinish = "analysis.finish"
	AnalysisFail   = "analysis.fail"
)

// Writer appends to the run event log. Appends join the caller's transaction
// when one is given.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, entityKind, entityID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,run_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{now().UTC().Format(time.RFC3339Nano), evtType, nullable(runID), entityKind, nullable(entityID), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
