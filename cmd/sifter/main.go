package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"sifter/internal/config"
	"sifter/internal/db"
	"sifter/internal/engine"
	"sifter/internal/logging"
	"sifter/internal/migrate"
	"sifter/internal/repo"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "sifter",
	Short: "Sifter CLI",
	Long: `Sifter imports snapshots of JSON records and narrows them down with an LLM.
- Run: one imported snapshot of records (sifter records import).
- Prompt: a markdown file with optional YAML front matter (filter, batch_size, ...).
- Analysis: records are split into batches; each batch is analyzed and its top
  records selected. The selections are batched again until few enough remain.
- Artifact: the stored result of one batch. Re-running the same prompt over
  the same batch reuses it unless --ignore-cached is given.
- Event log: imports, analyses and artifacts, view with 'sifter log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(viper.GetString("log-format"), viper.GetString("log-level"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIFTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	e, err := engine.New(conn, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
