package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sifter/internal/app"
	"sifter/internal/engine"
	"sifter/internal/repo"
)

func recordsCmd() *cobra.Command {
	rec := &cobra.Command{Use: "records", Short: "Import and inspect records"}
	rec.AddCommand(recordsImportCmd())
	rec.AddCommand(recordsListCmd())
	return rec
}

func recordsImportCmd() *cobra.Command {
	var label, namePath string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a JSON array or JSON Lines file as a new run ('-' reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
				if label == "" {
					label = args[0]
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.ImportRecords(ctx, engine.ImportOptions{Label: label, Reader: in, NamePath: namePath})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("imported %d records into run %s\n", run.RecordCount, run.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "run label (defaults to the file name)")
	cmd.Flags().StringVar(&namePath, "name-path", "", "JSON path of the record name (defaults to import.name_path)")
	return cmd
}

func recordsListCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the records of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := app.ResolveRun(ctx, r, runID)
				if err != nil {
					return err
				}
				records, err := r.ListRecords(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Bytes"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.ID, rec.Name, len(rec.Data)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (defaults to the latest run)")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect imported runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	runs.AddCommand(runsDeleteCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Records", "Created"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.Label, run.RecordCount, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runsShowCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a run and its analyses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := app.ResolveRun(ctx, r, runID)
				if err != nil {
					return err
				}
				artifacts, err := r.ListArtifacts(ctx, run.ID, "", 0)
				if err != nil {
					return err
				}
				perType := map[string]int{}
				for _, a := range artifacts {
					perType[a.AnalysisType]++
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "artifacts": perType})
				}
				fmt.Printf("run %s (%s)\nrecords: %d\ncreated: %s\n", run.ID, run.Label, run.RecordCount, run.CreatedAt)
				if len(perType) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Analysis type", "Artifacts"})
				for typ, n := range perType {
					tw.AppendRow(table.Row{typ, n})
				}
				tw.SortBy([]table.SortBy{{Name: "Analysis type", Mode: table.Asc}})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (defaults to the latest run)")
	return cmd
}

func runsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete a run with its records and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteRun(ctx, args[0]); err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				fmt.Printf("deleted run %s\n", args[0])
				return nil
			})
		},
	}
}
