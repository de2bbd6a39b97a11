package server

import (
	"encoding/json"

	"sifter/internal/domain"
)

type RunResponse struct {
	ID          string `json:"id"`
	Label       string `json:"label,omitempty"`
	RecordCount int    `json:"record_count"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type RecordResponse struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type ArtifactResponse struct {
	ID           int64          `json:"id"`
	RunID        string         `json:"run_id"`
	AnalysisType string         `json:"analysis_type"`
	Fingerprint  string         `json:"fingerprint"`
	Analysis     string         `json:"analysis"`
	TopIDs       []int64        `json:"top_ids"`
	Meta         map[string]any `json:"meta,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	Run          *RunResponse   `json:"run,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func runResponse(r domain.Run) RunResponse {
	return RunResponse(r)
}

func recordResponse(r domain.Record) RecordResponse {
	return RecordResponse{
		ID:        r.ID,
		RunID:     r.RunID,
		Name:      r.Name,
		Data:      decodeJSONMap(string(r.Data)),
		CreatedAt: r.CreatedAt,
	}
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	res := ArtifactResponse{
		ID:           a.ID,
		RunID:        a.RunID,
		AnalysisType: a.AnalysisType,
		Fingerprint:  a.Fingerprint,
		Analysis:     a.Analysis,
		TopIDs:       nonNilSlice(a.TopIDs),
		Meta:         a.Meta,
		CreatedAt:    a.CreatedAt,
	}
	if a.Run != nil {
		run := runResponse(*a.Run)
		res.Run = &run
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapSlice[T, R any](items []T, fn func(T) R) []R {
	out := make([]R, 0, len(items))
	for _, it := range items {
		out = append(out, fn(it))
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
