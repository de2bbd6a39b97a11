package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"sifter/internal/analysis"
	"sifter/internal/config"
	"sifter/internal/domain"
	"sifter/internal/events"
	"sifter/internal/llm"
	"sifter/internal/pipeline"
	"sifter/internal/repo"
	"sifter/internal/store"
)

// Collaborators returns the analyze and select-top callbacks for one analysis.
type Collaborators func(prompt analysis.Prompt, contextText string) (pipeline.AnalyzeFunc[domain.Record], pipeline.SelectTopFunc[domain.Record], error)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Store  *store.SQL
	Config *config.Config
	Now    func() time.Time
	Logger *zap.Logger
	// Collaborators overrides the provider configured under llm.
	Collaborators Collaborators
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) (Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	st, err := store.New(r, 0)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Store:  st,
		Config: cfg,
		Now:    time.Now,
		Logger: logger,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Close releases the artifact cache.
func (e Engine) Close() {
	if e.Store != nil {
		e.Store.Close()
	}
}

// collaborators builds the callbacks for the configured provider.
func (e Engine) collaborators(prompt analysis.Prompt, contextText string) (pipeline.AnalyzeFunc[domain.Record], pipeline.SelectTopFunc[domain.Record], error) {
	if e.Collaborators != nil {
		return e.Collaborators(prompt, contextText)
	}
	cfg := e.Config.LLM
	switch cfg.Provider {
	case config.ProviderStatic:
		s := llm.Static{}
		return s.Analyze, s.SelectTop, nil
	case config.ProviderOpenAI:
		key := os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, nil, fmt.Errorf("environment variable %s is not set", cfg.APIKeyEnv)
		}
		client := llm.NewClient(cfg, key, e.logger())
		selectModel := cfg.SelectModel
		if selectModel == "" {
			selectModel = cfg.Model
		}
		a := llm.Analyzer{
			LLM:                 client,
			Model:               cfg.Model,
			Prompt:              prompt.Body,
			OutputPrompt:        e.Config.Analysis.OutputPrompt,
			Context:             contextText,
			ReasoningEffort:     cfg.ReasoningEffort,
			MaxCompletionTokens: cfg.MaxCompletionTokens,
		}
		s := llm.Selector{LLM: client, Model: selectModel}
		return a.Analyze, s.SelectTop, nil
	}
	return nil, nil, errors.New("unknown llm provider: " + cfg.Provider)
}
