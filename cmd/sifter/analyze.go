package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sifter/internal/app"
	"sifter/internal/engine"
	"sifter/internal/repo"
)

func analyzeCmd() *cobra.Command {
	var runID string
	var opts engine.AnalyzeOptions
	cmd := &cobra.Command{
		Use:   "analyze PROMPT_FILE",
		Short: "Analyze a run with a prompt, narrowing the records until few remain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.PromptPath = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := app.ResolveRun(ctx, e.Repo, runID)
				if err != nil {
					return err
				}
				opts.RunID = run.ID
				res, err := e.Analyze(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stderr)
				tw.AppendHeader(table.Row{"Depth", "Artifact", "Inputs", "Batch", "Top", "Status"})
				for _, s := range res.Artifacts {
					status := "created"
					if s.Cached {
						status = "cached"
					}
					tw.AppendRow(table.Row{s.Depth, s.Artifact.ID, s.Inputs, s.Artifact.Fingerprint, fmt.Sprint(s.Artifact.TopIDs), status})
				}
				tw.Render()
				if res.Final == nil {
					fmt.Println("no records passed the prompt filter")
					return nil
				}
				fmt.Println(res.Final.Analysis)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (defaults to the latest run)")
	cmd.Flags().StringVar(&opts.ContextPath, "context-path", "", "file with extra context appended to every analysis")
	cmd.Flags().BoolVar(&opts.IgnoreCache, "ignore-cached", false, "recompute batches that already have artifacts")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "records per batch")
	cmd.Flags().IntVar(&opts.MaxBatches, "max-batches", 0, "batches formed per depth")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "batches analyzed at once")
	cmd.Flags().IntVar(&opts.MaxDepth, "max-depth", 0, "recursion depth limit")
	cmd.Flags().IntVar(&opts.StopAt, "stop-at", 0, "stop once a depth yields at most this many artifacts")
	return cmd
}

func artifactsCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifacts", Short: "Inspect stored analyses"}
	art.AddCommand(artifactsListCmd())
	art.AddCommand(artifactsShowCmd())
	return art
}

func artifactsListCmd() *cobra.Command {
	var runID, analysisType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts of a run, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := app.ResolveRun(ctx, r, runID)
				if err != nil {
					return err
				}
				items, err := r.ListArtifacts(ctx, run.ID, analysisType, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Analysis type", "Depth", "Batch", "Top", "Created"})
				for _, a := range items {
					depth := ""
					if d, ok := a.Meta["recursion_depth"]; ok {
						depth = fmt.Sprint(d)
					}
					tw.AppendRow(table.Row{a.ID, a.AnalysisType, depth, a.Fingerprint, fmt.Sprint(a.TopIDs), a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (defaults to the latest run)")
	cmd.Flags().StringVar(&analysisType, "analysis-type", "", "analysis type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum artifacts listed (0 for all)")
	return cmd
}

func artifactsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid artifact id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Store.Get(ctx, id)
				if err != nil {
					return fmt.Errorf("artifact %d: %w", id, err)
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("artifact %d (%s) run %s\nbatch: %s\ntop: %v\n\n%s\n", a.ID, a.AnalysisType, a.RunID, a.Fingerprint, a.TopIDs, a.Analysis)
				return nil
			})
		},
	}
}
