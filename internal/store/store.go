// Package store persists batch artifacts in SQLite and serves them to the
// pipeline's Batching stage.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Yiling-J/theine-go"

	"sifter/internal/domain"
	"sifter/internal/events"
	"sifter/internal/pipeline"
	"sifter/internal/repo"
)

const defaultCacheSize = 1024

// SQL is the artifact store. Artifacts never change once written, so reads by
// id go through an in-process cache.
type SQL struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	cache *theine.Cache[int64, domain.Artifact]
}

var _ pipeline.ArtifactStore = (*SQL)(nil)

// New returns a store over r. cacheSize <= 0 picks a default.
func New(r repo.Repo, cacheSize int64) (*SQL, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := theine.NewBuilder[int64, domain.Artifact](cacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("build artifact cache: %w", err)
	}
	return &SQL{
		Repo:   r,
		Events: events.Writer{DB: r.DB},
		Now:    time.Now,
		cache:  cache,
	}, nil
}

func (s *SQL) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Query returns the newest artifact for the fingerprint, or nil.
func (s *SQL) Query(ctx context.Context, fp pipeline.Fingerprint) (*domain.Artifact, error) {
	a, err := s.Repo.FindArtifact(ctx, fp.RunScope, fp.AnalysisType, fp.Key, fp.Hash())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Insert persists a new artifact together with its artifact.create event and
// returns the stored copy with id, timestamp and run resolved.
func (s *SQL) Insert(ctx context.Context, a domain.Artifact) (domain.Artifact, error) {
	if a.CreatedAt == "" {
		a.CreatedAt = s.now().UTC().Format(time.RFC3339Nano)
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	saved, err := s.Repo.InsertArtifactTx(ctx, tx, a)
	if err != nil {
		return domain.Artifact{}, err
	}
	run, err := s.Repo.GetRunTx(ctx, tx, saved.RunID)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("resolve run %s: %w", saved.RunID, err)
	}
	saved.Run = &run
	if err := s.Events.Append(ctx, tx, events.ArtifactCreate, saved.RunID, "artifact", strconv.FormatInt(saved.ID, 10), events.Payload{
		"analysis_type": saved.AnalysisType,
		"fingerprint":   saved.Fingerprint,
		"top_ids":       saved.TopIDs,
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	s.cache.Set(saved.ID, saved, 1)
	return saved, nil
}

// Get loads an artifact by id.
func (s *SQL) Get(ctx context.Context, id int64) (domain.Artifact, error) {
	if a, ok := s.cache.Get(id); ok {
		return a, nil
	}
	a, err := s.Repo.GetArtifact(ctx, id)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := s.resolve(ctx, &a); err != nil {
		return domain.Artifact{}, err
	}
	s.cache.Set(id, a, 1)
	return a, nil
}

func (s *SQL) resolve(ctx context.Context, a *domain.Artifact) error {
	run, err := s.Repo.GetRun(ctx, a.RunID)
	if err != nil {
		return fmt.Errorf("resolve run %s: %w", a.RunID, err)
	}
	a.Run = &run
	return nil
}

func (s *SQL) Close() {
	s.cache.Close()
}
