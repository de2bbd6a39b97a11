package domain

import "encoding/json"

// Run is one imported snapshot of source records.
type Run struct {
	ID          string `json:"id"`
	Label       string `json:"label,omitempty"`
	RecordCount int    `json:"record_count"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Record struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

// ItemID and ScopeID let records flow through pipeline stages.
func (r Record) ItemID() int64   { return r.ID }
func (r Record) ScopeID() string { return r.RunID }

// Artifact is the persisted result of analyzing one batch of records.
type Artifact struct {
	ID              int64          `json:"id"`
	RunID           string         `json:"run_id"`
	AnalysisType    string         `json:"analysis_type"`
	Fingerprint     string         `json:"fingerprint"`
	FingerprintHash uint64         `json:"-"`
	Analysis        string         `json:"analysis"`
	TopIDs          []int64        `json:"top_ids"`
	Meta            map[string]any `json:"meta,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`

	// Run is resolved by the store on read and insert.
	Run *Run `json:"run,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
