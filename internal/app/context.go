package app

import (
	"context"
	"errors"
	"fmt"

	"sifter/internal/domain"
	"sifter/internal/repo"
)

// ResolveRun picks the run a command works on: the override when given,
// otherwise the most recently imported run.
func ResolveRun(ctx context.Context, r repo.Repo, runOverride string) (domain.Run, error) {
	if runOverride != "" {
		run, err := r.GetRun(ctx, runOverride)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, fmt.Errorf("run %s not found", runOverride)
		}
		return run, err
	}
	run, err := r.LatestRun(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, fmt.Errorf("no runs yet; import records with sifter records import")
	}
	return run, err
}
