package pipeline

import (
	"context"
	"iter"
	"maps"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"sifter/internal/domain"
)

// Item is anything a batching stage can group: it carries a stable id and
// the id of the run scope it belongs to.
type Item interface {
	ItemID() int64
	ScopeID() string
}

// ArtifactStore persists batch results. Query returns nil, nil on a miss.
type ArtifactStore interface {
	Query(ctx context.Context, fp Fingerprint) (*domain.Artifact, error)
	Insert(ctx context.Context, a domain.Artifact) (domain.Artifact, error)
}

// AnalyzeFunc produces the free-text analysis of one batch.
type AnalyzeFunc[T Item] func(ctx context.Context, batch []T) (string, error)

// SelectTopFunc picks an ordered shortlist of item ids out of a batch given
// its analysis.
type SelectTopFunc[T Item] func(ctx context.Context, batch []T, analysis string) ([]int64, error)

// Batching groups accepted items into batches and analyzes each batch once
// per fingerprint. Batches run in sequential waves of Concurrency tasks.
//
// Two tasks that compute the same fingerprint at the same time may both miss
// the store and both insert. Batches of one run are disjoint, so this only
// happens when the same id set is analyzed by two overlapping runs of the
// stage, and the extra row is harmless.
type Batching[T Item] struct {
	AnalysisType string
	// Filter drops items before they enter a batch. Nil accepts everything.
	Filter      func(T) bool
	BatchSize   int
	MaxBatches  int
	Concurrency int
	IgnoreCache bool
	// ExtraMetadata is recorded on every artifact, below caller meta.
	ExtraMetadata map[string]any

	Analyze   AnalyzeFunc[T]
	SelectTop SelectTopFunc[T]
	Store     ArtifactStore
	Logger    *zap.Logger
}

func (b *Batching[T]) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

func (b *Batching[T]) validate() error {
	switch {
	case b.BatchSize <= 0:
		return ConfigurationError{Reason: "batch size must be positive"}
	case b.MaxBatches <= 0:
		return ConfigurationError{Reason: "max batches must be positive"}
	case b.Concurrency <= 0:
		return ConfigurationError{Reason: "concurrency must be positive"}
	case b.Analyze == nil || b.SelectTop == nil:
		return ConfigurationError{Reason: "analyze and select-top callbacks are required"}
	case b.Store == nil:
		return ConfigurationError{Reason: "artifact store is required"}
	}
	return nil
}

func (b *Batching[T]) Run(ctx context.Context, in iter.Seq2[T, error], meta Meta) iter.Seq2[domain.Artifact, error] {
	return func(yield func(domain.Artifact, error) bool) {
		if err := b.validate(); err != nil {
			yield(domain.Artifact{}, err)
			return
		}
		batches, err := b.formBatches(in)
		if err != nil {
			yield(domain.Artifact{}, err)
			return
		}
		md := b.metadata(meta)
		log := b.logger().With(zap.String("analysis_type", b.AnalysisType))
		for start := 0; start < len(batches); start += b.Concurrency {
			wave := batches[start:min(start+b.Concurrency, len(batches))]
			log.Debug("running wave",
				zap.Int("first_batch", start),
				zap.Int("wave_size", len(wave)),
				zap.Int("batches", len(batches)))
			results, err := b.runWave(ctx, wave, md)
			if err != nil {
				yield(domain.Artifact{}, err)
				return
			}
			for _, a := range results {
				if !yield(a, nil) {
					return
				}
			}
		}
	}
}

// formBatches pulls from in until MaxBatches batches are sealed or the input
// runs out. A trailing partial batch is sealed only in the second case, so the
// result never exceeds MaxBatches.
func (b *Batching[T]) formBatches(in iter.Seq2[T, error]) ([][]T, error) {
	var (
		batches [][]T
		current []T
	)
	for item, err := range in {
		if err != nil {
			return nil, err
		}
		if b.Filter != nil && !b.Filter(item) {
			continue
		}
		current = append(current, item)
		if len(current) >= b.BatchSize {
			batches = append(batches, current)
			current = nil
		}
		if len(batches) >= b.MaxBatches {
			break
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches, nil
}

// metadata merges stage defaults with caller meta; caller values win.
func (b *Batching[T]) metadata(meta Meta) map[string]any {
	md := map[string]any{
		"batch_size":    b.BatchSize,
		"max_batches":   b.MaxBatches,
		"concurrency":   b.Concurrency,
		"ignore_cached": b.IgnoreCache,
	}
	maps.Copy(md, b.ExtraMetadata)
	maps.Copy(md, meta.Fields())
	return md
}

// runWave runs one task per batch and returns results in completion order.
// The first failure cancels the siblings' context and discards the wave.
func (b *Batching[T]) runWave(ctx context.Context, wave [][]T, md map[string]any) ([]domain.Artifact, error) {
	done := make(chan domain.Artifact, len(wave))
	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(len(wave))
	for _, batch := range wave {
		p.Go(func(ctx context.Context) error {
			a, err := b.work(ctx, batch, md)
			if err != nil {
				return err
			}
			done <- a
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	close(done)
	results := make([]domain.Artifact, 0, len(wave))
	for a := range done {
		results = append(results, a)
	}
	return results, nil
}

func (b *Batching[T]) work(ctx context.Context, batch []T, md map[string]any) (domain.Artifact, error) {
	if len(batch) == 0 {
		return domain.Artifact{}, ConfigurationError{Reason: "empty batch reached a work unit"}
	}
	ids := make([]int64, len(batch))
	for i, item := range batch {
		ids[i] = item.ItemID()
	}
	fp := NewFingerprint(batch[0].ScopeID(), b.AnalysisType, ids)
	log := b.logger().With(zap.String("run_id", fp.RunScope), zap.String("fingerprint", fp.Key))

	cached, err := b.Store.Query(ctx, fp)
	if err != nil {
		return domain.Artifact{}, CollaboratorError{Op: OpStoreQuery, Err: err}
	}
	if cached != nil && !b.IgnoreCache {
		log.Debug("artifact cache hit", zap.Int64("artifact_id", cached.ID))
		return *cached, nil
	}
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}

	analysis, err := b.Analyze(ctx, batch)
	if err != nil {
		return domain.Artifact{}, CollaboratorError{Op: OpAnalyze, Err: err}
	}
	top, err := b.SelectTop(ctx, batch, analysis)
	if err != nil {
		return domain.Artifact{}, CollaboratorError{Op: OpSelectTop, Err: err}
	}
	if kept := keepMembers(top, ids); len(kept) != len(top) {
		log.Warn("dropped selected ids outside the batch", zap.Int64s("selected", top), zap.Int64s("kept", kept))
		top = kept
	}

	saved, err := b.Store.Insert(ctx, domain.Artifact{
		RunID:           fp.RunScope,
		AnalysisType:    fp.AnalysisType,
		Fingerprint:     fp.Key,
		FingerprintHash: fp.Hash(),
		Analysis:        analysis,
		TopIDs:          top,
		Meta:            maps.Clone(md),
	})
	if err != nil {
		return domain.Artifact{}, CollaboratorError{Op: OpStoreInsert, Err: err}
	}
	log.Debug("artifact created", zap.Int64("artifact_id", saved.ID), zap.Int("top", len(top)))
	return saved, nil
}

// keepMembers filters selected down to ids present in the batch, keeping the
// selection order and dropping repeats.
func keepMembers(selected, batch []int64) []int64 {
	members := make(map[int64]bool, len(batch))
	for _, id := range batch {
		members[id] = true
	}
	out := make([]int64, 0, len(selected))
	for _, id := range selected {
		if members[id] {
			out = append(out, id)
			members[id] = false
		}
	}
	return out
}
