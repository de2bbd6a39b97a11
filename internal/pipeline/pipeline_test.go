package pipeline

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"sifter/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testItem struct {
	id    int64
	scope string
}

func (i testItem) ItemID() int64   { return i.id }
func (i testItem) ScopeID() string { return i.scope }

func items(ids ...int64) []testItem {
	out := make([]testItem, len(ids))
	for i, id := range ids {
		out[i] = testItem{id: id, scope: "run-1"}
	}
	return out
}

// countingSeq replays list and counts how many elements were pulled.
func countingSeq(list []testItem, pulled *int) iter.Seq2[testItem, error] {
	return func(yield func(testItem, error) bool) {
		for _, it := range list {
			*pulled++
			if !yield(it, nil) {
				return
			}
		}
	}
}

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	artifacts []domain.Artifact
	queryErr  error
}

func (s *memStore) Query(_ context.Context, fp Fingerprint) (*domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	for i := len(s.artifacts) - 1; i >= 0; i-- {
		a := s.artifacts[i]
		if a.RunID == fp.RunScope && a.AnalysisType == fp.AnalysisType && a.Fingerprint == fp.Key {
			return &a, nil
		}
	}
	return nil, nil
}

func (s *memStore) Insert(_ context.Context, a domain.Artifact) (domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	s.artifacts = append(s.artifacts, a)
	return a, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.artifacts)
}

type recorder struct {
	mu      sync.Mutex
	batches [][]int64
	calls   atomic.Int32
}

func (r *recorder) analyze(_ context.Context, batch []testItem) (string, error) {
	r.calls.Add(1)
	ids := make([]int64, len(batch))
	for i, it := range batch {
		ids[i] = it.id
	}
	r.mu.Lock()
	r.batches = append(r.batches, ids)
	r.mu.Unlock()
	return "analysis of " + SerializeIDs(ids), nil
}

func selectFirst(_ context.Context, batch []testItem, _ string) ([]int64, error) {
	return []int64{batch[0].id}, nil
}

func newBatching(store ArtifactStore, rec *recorder) *Batching[testItem] {
	return &Batching[testItem]{
		AnalysisType: "unfiltered:abc123",
		BatchSize:    2,
		MaxBatches:   10,
		Concurrency:  2,
		Analyze:      rec.analyze,
		SelectTop:    selectFirst,
		Store:        store,
	}
}

func TestBatchFormationStopsAtMaxBatches(t *testing.T) {
	rec := &recorder{}
	b := newBatching(&memStore{}, rec)
	b.BatchSize, b.MaxBatches = 2, 1

	pulled := 0
	got, err := Collect(b.Run(context.Background(), countingSeq(items(1, 2, 3, 4), &pulled), Meta{}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 2, pulled, "items after the cap must not be pulled")
	require.Equal(t, [][]int64{{1, 2}}, rec.batches)
}

func TestBatchFormationPartialTrailingBatch(t *testing.T) {
	b := newBatching(&memStore{}, &recorder{})
	b.BatchSize, b.MaxBatches = 3, 5

	batches, err := b.formBatches(FromSlice(items(1, 2, 3, 4)))
	require.NoError(t, err)
	require.Equal(t, [][]testItem{items(1, 2, 3), items(4)}, batches)
}

func TestBatchFormationNeverExceedsMaxBatches(t *testing.T) {
	b := newBatching(&memStore{}, &recorder{})
	b.BatchSize, b.MaxBatches = 2, 2

	pulled := 0
	batches, err := b.formBatches(countingSeq(items(1, 2, 3, 4, 5), &pulled))
	require.NoError(t, err)
	require.Equal(t, [][]testItem{items(1, 2), items(3, 4)}, batches)
	require.Equal(t, 4, pulled)

	b.MaxBatches = 3
	batches, err = b.formBatches(FromSlice(items(1, 2, 3, 4, 5)))
	require.NoError(t, err)
	require.Equal(t, [][]testItem{items(1, 2), items(3, 4), items(5)}, batches)
}

func TestBatchFormationFilter(t *testing.T) {
	b := newBatching(&memStore{}, &recorder{})
	b.BatchSize = 2
	b.Filter = func(it testItem) bool { return it.id%2 == 1 }

	batches, err := b.formBatches(FromSlice(items(1, 2, 3, 4, 5, 6, 7)))
	require.NoError(t, err)
	require.Equal(t, [][]testItem{items(1, 3), items(5, 7)}, batches)
}

func TestBatchingEmptyInputYieldsNothing(t *testing.T) {
	rec := &recorder{}
	b := newBatching(&memStore{}, rec)
	b.Filter = func(testItem) bool { return false }

	got, err := Collect(b.Run(context.Background(), FromSlice(items(1, 2, 3)), Meta{}))
	require.NoError(t, err)
	require.Empty(t, got)
	require.Zero(t, rec.calls.Load())
}

func TestBatchingRejectsInvalidConfiguration(t *testing.T) {
	b := newBatching(&memStore{}, &recorder{})
	b.Concurrency = 0
	pulled := 0
	_, err := Collect(b.Run(context.Background(), countingSeq(items(1), &pulled), Meta{}))
	var cfgErr ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Zero(t, pulled)
}

func TestWorkUnitRejectsEmptyBatch(t *testing.T) {
	rec := &recorder{}
	b := newBatching(&memStore{}, rec)
	_, err := b.work(context.Background(), nil, nil)
	var cfgErr ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Zero(t, rec.calls.Load())
}

func TestFingerprintDeterminism(t *testing.T) {
	a := NewFingerprint("run-1", "t", []int64{3, 1, 2})
	b := NewFingerprint("run-1", "t", []int64{1, 2, 3})
	require.Equal(t, a, b)
	require.Equal(t, "1,2,3", a.Key)
	require.Equal(t, a.Hash(), b.Hash())

	c := NewFingerprint("run-1", "t", []int64{1, 2})
	require.NotEqual(t, a.Key, c.Key)
	require.NotEqual(t, a.Hash(), c.Hash())

	require.NotEqual(t, a.Hash(), NewFingerprint("run-2", "t", []int64{1, 2, 3}).Hash())
	require.NotEqual(t, a.Hash(), NewFingerprint("run-1", "u", []int64{1, 2, 3}).Hash())

	ids := []int64{3, 1, 2}
	NewFingerprint("run-1", "t", ids)
	require.Equal(t, []int64{3, 1, 2}, ids, "input ids must not be reordered")
}

func TestBatchingCacheIdempotence(t *testing.T) {
	store := &memStore{}
	rec := &recorder{}
	b := newBatching(store, rec)
	b.BatchSize = 3

	first, err := Collect(b.Run(context.Background(), FromSlice(items(3, 1, 2)), Meta{}))
	require.NoError(t, err)
	second, err := Collect(b.Run(context.Background(), FromSlice(items(1, 2, 3)), Meta{}))
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	require.Equal(t, first[0].ID, second[0].ID)
	require.EqualValues(t, 1, rec.calls.Load())
	require.Equal(t, 1, store.count())
}

func TestBatchingIgnoreCacheRecomputes(t *testing.T) {
	store := &memStore{}
	rec := &recorder{}
	b := newBatching(store, rec)

	first, err := Collect(b.Run(context.Background(), FromSlice(items(1, 2)), Meta{}))
	require.NoError(t, err)
	b.IgnoreCache = true
	second, err := Collect(b.Run(context.Background(), FromSlice(items(1, 2)), Meta{}))
	require.NoError(t, err)

	require.NotEqual(t, first[0].ID, second[0].ID)
	require.EqualValues(t, 2, rec.calls.Load())
	require.Equal(t, 2, store.count())
}

func TestBatchingWaveFailFast(t *testing.T) {
	boom := errors.New("model unavailable")
	store := &memStore{}
	b := newBatching(store, &recorder{})
	b.BatchSize, b.Concurrency = 1, 3
	b.Analyze = func(ctx context.Context, batch []testItem) (string, error) {
		if batch[0].id == 2 {
			return "", boom
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return "ok", nil
		}
	}

	var got []domain.Artifact
	var runErr error
	for a, err := range b.Run(context.Background(), FromSlice(items(1, 2, 3)), Meta{}) {
		if err != nil {
			runErr = err
			break
		}
		got = append(got, a)
	}
	require.Empty(t, got, "no result of a failed wave may be yielded")
	var collab CollaboratorError
	require.ErrorAs(t, runErr, &collab)
	require.Equal(t, OpAnalyze, collab.Op)
	require.ErrorIs(t, runErr, boom)
}

func TestBatchingEarlierWavesAreNotRetracted(t *testing.T) {
	boom := errors.New("boom")
	b := newBatching(&memStore{}, &recorder{})
	b.BatchSize, b.Concurrency = 1, 1
	b.Analyze = func(_ context.Context, batch []testItem) (string, error) {
		if batch[0].id == 2 {
			return "", boom
		}
		return "ok", nil
	}

	got, err := Collect(b.Run(context.Background(), FromSlice(items(1, 2, 3)), Meta{}))
	require.ErrorIs(t, err, boom)
	require.Len(t, got, 1)
	require.Equal(t, "1", got[0].Fingerprint)
}

func TestBatchingConcurrencyBound(t *testing.T) {
	var active, peak atomic.Int32
	b := newBatching(&memStore{}, &recorder{})
	b.BatchSize, b.Concurrency = 1, 2
	b.Analyze = func(_ context.Context, _ []testItem) (string, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		active.Add(-1)
		return "ok", nil
	}

	got, err := Collect(b.Run(context.Background(), FromSlice(items(1, 2, 3, 4, 5)), Meta{}))
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBatchingYieldsInCompletionOrder(t *testing.T) {
	b := newBatching(&memStore{}, &recorder{})
	b.BatchSize, b.Concurrency = 1, 3
	delays := map[int64]time.Duration{1: 80 * time.Millisecond, 2: 40 * time.Millisecond, 3: 0}
	b.Analyze = func(_ context.Context, batch []testItem) (string, error) {
		time.Sleep(delays[batch[0].id])
		return "ok", nil
	}

	got, err := Collect(b.Run(context.Background(), FromSlice(items(1, 2, 3)), Meta{}))
	require.NoError(t, err)
	order := make([]string, len(got))
	for i, a := range got {
		order[i] = a.Fingerprint
	}
	require.Equal(t, []string{"3", "2", "1"}, order, "the fastest batch is yielded first")
}

func TestBatchingStoreFailureIsCollaboratorError(t *testing.T) {
	boom := errors.New("disk full")
	b := newBatching(&memStore{queryErr: boom}, &recorder{})
	_, err := Collect(b.Run(context.Background(), FromSlice(items(1, 2)), Meta{}))
	var collab CollaboratorError
	require.ErrorAs(t, err, &collab)
	require.Equal(t, OpStoreQuery, collab.Op)
	require.ErrorIs(t, err, boom)
}

func TestBatchingMetadataMerge(t *testing.T) {
	b := newBatching(&memStore{}, &recorder{})
	b.ExtraMetadata = map[string]any{"model": "small", "batch_size": 99}

	meta := Meta{}.With("model", "large").WithDepth(1)
	got, err := Collect(b.Run(context.Background(), FromSlice(items(1, 2)), meta))
	require.NoError(t, err)
	require.Len(t, got, 1)
	md := got[0].Meta
	require.Equal(t, "large", md["model"])
	require.Equal(t, 1, md["recursion_depth"])
	require.Equal(t, 99, md["batch_size"])
	require.Equal(t, 10, md["max_batches"])
	require.Equal(t, false, md["ignore_cached"])
}

func TestBatchingDropsSelectedIDsOutsideBatch(t *testing.T) {
	b := newBatching(&memStore{}, &recorder{})
	b.BatchSize = 3
	b.SelectTop = func(context.Context, []testItem, string) ([]int64, error) {
		return []int64{3, 42, 1, 3}, nil
	}
	got, err := Collect(b.Run(context.Background(), FromSlice(items(1, 2, 3)), Meta{}))
	require.NoError(t, err)
	require.Equal(t, []int64{3, 1}, got[0].TopIDs)
}

func TestBatchingForwardsUpstreamError(t *testing.T) {
	boom := errors.New("source broke")
	rec := &recorder{}
	b := newBatching(&memStore{}, rec)
	_, err := Collect(b.Run(context.Background(), Fail[testItem](boom), Meta{}))
	require.ErrorIs(t, err, boom)
	require.Zero(t, rec.calls.Load())
}
