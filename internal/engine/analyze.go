package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"sifter/internal/analysis"
	"sifter/internal/config"
	"sifter/internal/domain"
	"sifter/internal/events"
	"sifter/internal/pipeline"
)

// AnalyzeOptions select the run and prompt of an analysis. Zero numeric
// fields fall back to the prompt front matter, then to config.
type AnalyzeOptions struct {
	RunID       string
	PromptPath  string
	ContextPath string
	IgnoreCache bool
	BatchSize   int
	MaxBatches  int
	Concurrency int
	MaxDepth    int
	StopAt      int
}

// Step is one artifact yielded during an analysis.
type Step struct {
	Depth    int             `json:"depth"`
	Inputs   int             `json:"inputs"`
	Cached   bool            `json:"cached"`
	Artifact domain.Artifact `json:"artifact"`
}

type AnalyzeResult struct {
	RunID        string `json:"run_id"`
	AnalysisType string `json:"analysis_type"`
	Artifacts    []Step `json:"artifacts"`
	// Final is the last artifact yielded, nil when no batch was formed.
	Final *domain.Artifact `json:"final,omitempty"`
}

type settings struct {
	batchSize, maxBatches, concurrency, maxDepth, stopAt int
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func (e Engine) settings(opts AnalyzeOptions, fm analysis.FrontMatter) settings {
	a := e.Config.Analysis
	s := settings{
		batchSize:   firstPositive(opts.BatchSize, fm.BatchSize, a.BatchSize),
		maxBatches:  firstPositive(opts.MaxBatches, fm.MaxBatches, a.MaxBatches),
		concurrency: firstPositive(opts.Concurrency, fm.Concurrency, a.Concurrency),
		maxDepth:    firstPositive(opts.MaxDepth, a.MaxDepth),
		stopAt:      a.StopAt,
	}
	if opts.StopAt > 0 {
		s.stopAt = opts.StopAt
	}
	return s
}

// Analyze runs the prompt over every record of the run, recursing on the
// selected records until few enough artifacts remain.
func (e Engine) Analyze(ctx context.Context, opts AnalyzeOptions) (AnalyzeResult, error) {
	if e.Config == nil {
		return AnalyzeResult{}, errors.New("config not loaded")
	}
	if e.Store == nil {
		return AnalyzeResult{}, errors.New("artifact store not configured")
	}
	if opts.RunID == "" {
		return AnalyzeResult{}, errors.New("run id is required")
	}
	prompt, err := analysis.LoadPrompt(opts.PromptPath)
	if err != nil {
		return AnalyzeResult{}, fmt.Errorf("load prompt: %w", err)
	}
	var contextText string
	if opts.ContextPath != "" {
		data, err := os.ReadFile(opts.ContextPath)
		if err != nil {
			return AnalyzeResult{}, fmt.Errorf("load context: %w", err)
		}
		contextText = string(data)
	}
	filter, err := analysis.BuildFilter(e.Config, prompt.Filter)
	if err != nil {
		return AnalyzeResult{}, err
	}
	run, err := e.Repo.GetRun(ctx, opts.RunID)
	if err != nil {
		return AnalyzeResult{}, fmt.Errorf("run %s: %w", opts.RunID, err)
	}
	records, err := e.Repo.ListRecords(ctx, run.ID)
	if err != nil {
		return AnalyzeResult{}, err
	}
	if len(records) == 0 {
		return AnalyzeResult{}, fmt.Errorf("run %s has no records", run.ID)
	}
	analyze, selectTop, err := e.collaborators(prompt, contextText)
	if err != nil {
		return AnalyzeResult{}, err
	}

	s := e.settings(opts, prompt.FrontMatter)
	analysisType := prompt.AnalysisType()
	log := e.logger().With(zap.String("run_id", run.ID), zap.String("analysis_type", analysisType))
	tracker := &trackingStore{ArtifactStore: e.Store, created: map[int64]bool{}}

	batching := &pipeline.Batching[domain.Record]{
		AnalysisType:  analysisType,
		Filter:        filter,
		BatchSize:     s.batchSize,
		MaxBatches:    s.maxBatches,
		Concurrency:   s.concurrency,
		IgnoreCache:   opts.IgnoreCache,
		ExtraMetadata: map[string]any{"filter": prompt.Filter, "provider": e.Config.LLM.Provider},
		Analyze:       analyze,
		SelectTop:     selectTop,
		Store:         tracker,
		Logger:        log,
	}
	source := pipeline.Source[domain.Record]{Load: func(context.Context) ([]domain.Record, error) {
		return records, nil
	}}
	chain := pipeline.Pipe[struct{}, domain.Record, pipeline.Tagged[domain.Artifact, domain.Record]](source, &pipeline.Recursion[domain.Record, domain.Artifact]{
		Inner:    batching,
		Mapper:   analysis.NewMapper(records),
		Stop:     analysis.StopAtMost(s.stopAt),
		MaxDepth: s.maxDepth,
		Logger:   log,
	})
	meta := pipeline.Meta{}.
		WithBatchSize(s.batchSize).
		WithMaxBatches(s.maxBatches).
		WithConcurrency(s.concurrency).
		WithIgnoreCache(opts.IgnoreCache)
	if e.Config.LLM.Provider == config.ProviderOpenAI {
		meta = meta.With("model", e.Config.LLM.Model)
	}

	if err := e.Events.Append(ctx, nil, events.AnalysisStart, run.ID, "run", run.ID, events.Payload{
		"analysis_type": analysisType,
		"batch_size":    s.batchSize,
		"max_batches":   s.maxBatches,
		"concurrency":   s.concurrency,
		"max_depth":     s.maxDepth,
		"ignore_cached": opts.IgnoreCache,
	}); err != nil {
		return AnalyzeResult{}, err
	}
	log.Info("analysis started", zap.Int("records", len(records)), zap.Int("batch_size", s.batchSize), zap.Int("max_depth", s.maxDepth))

	res := AnalyzeResult{RunID: run.ID, AnalysisType: analysisType}
	for tagged, err := range chain.Run(ctx, pipeline.Empty[struct{}](), meta) {
		if err != nil {
			log.Error("analysis failed", zap.Error(err), zap.Int("artifacts", len(res.Artifacts)))
			if evtErr := e.Events.Append(context.WithoutCancel(ctx), nil, events.AnalysisFail, run.ID, "run", run.ID, events.Payload{
				"analysis_type": analysisType,
				"error":         err.Error(),
				"artifacts":     len(res.Artifacts),
			}); evtErr != nil {
				log.Warn("record analysis failure", zap.Error(evtErr))
			}
			return res, err
		}
		a := tagged.Result
		step := Step{Depth: tagged.Depth, Inputs: len(tagged.Inputs), Cached: !tracker.wasCreated(a.ID), Artifact: a}
		status := "created"
		if step.Cached {
			status = "cached"
		}
		log.Info("artifact "+status,
			zap.Int64("artifact_id", a.ID),
			zap.Int("depth", step.Depth),
			zap.Int64s("top_ids", a.TopIDs))
		res.Artifacts = append(res.Artifacts, step)
		res.Final = &res.Artifacts[len(res.Artifacts)-1].Artifact
	}

	payload := events.Payload{"analysis_type": analysisType, "artifacts": len(res.Artifacts)}
	if res.Final != nil {
		payload["final_artifact_id"] = strconv.FormatInt(res.Final.ID, 10)
	}
	if err := e.Events.Append(ctx, nil, events.AnalysisFinish, run.ID, "run", run.ID, payload); err != nil {
		return res, err
	}
	log.Info("analysis finished", zap.Int("artifacts", len(res.Artifacts)))
	return res, nil
}

// trackingStore remembers which artifacts this analysis inserted, so cache
// hits can be told apart from fresh results.
type trackingStore struct {
	pipeline.ArtifactStore

	mu      sync.Mutex
	created map[int64]bool
}

func (t *trackingStore) Insert(ctx context.Context, a domain.Artifact) (domain.Artifact, error) {
	saved, err := t.ArtifactStore.Insert(ctx, a)
	if err != nil {
		return saved, err
	}
	t.mu.Lock()
	t.created[saved.ID] = true
	t.mu.Unlock()
	return saved, nil
}

func (t *trackingStore) wasCreated(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created[id]
}
