package analysis

import (
	"context"
	"fmt"

	"sifter/internal/domain"
)

// NewMapper resolves the top ids of every artifact back to records of the
// run, in artifact order then selection order.
func NewMapper(records []domain.Record) func(context.Context, []domain.Artifact) ([]domain.Record, error) {
	byID := make(map[int64]domain.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	return func(_ context.Context, artifacts []domain.Artifact) ([]domain.Record, error) {
		var next []domain.Record
		for _, a := range artifacts {
			for _, id := range a.TopIDs {
				rec, ok := byID[id]
				if !ok {
					return nil, fmt.Errorf("artifact %d selected record %d which is not part of run %s", a.ID, id, a.RunID)
				}
				next = append(next, rec)
			}
		}
		return next, nil
	}
}

// StopAtMost stops recursion once a depth produced at most n artifacts.
func StopAtMost(n int) func([]domain.Artifact) bool {
	return func(results []domain.Artifact) bool {
		return len(results) <= n
	}
}
