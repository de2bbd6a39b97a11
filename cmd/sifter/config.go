package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sifter/internal/config"
	"sifter/internal/engine"
	"sifter/internal/repo"
	"sifter/internal/server"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage sifter.yml",
		Long:  "sifter.yml holds the analysis defaults, the LLM provider and the named record filters prompts refer to.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default sifter.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultTemplate), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate sifter.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened in the workspace: imports, analyses and the artifacts they created.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for i := len(events) - 1; i >= 0; i-- {
					evt := events[i]
					fmt.Printf("%s %-16s run=%s %s=%s %s\n", evt.TS, evt.Type, evt.RunID, evt.EntityKind, evt.EntityID, evt.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var printToken bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API server",
		Long:  "Serves runs, records, artifacts and events. Set SIFTER_JWT_SECRET to require HS256 bearer tokens.",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
			if printToken {
				token, err := server.IssueToken(authCfg.JWTSecret, "local-user")
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving sifter api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("auth", authCfg.JWTSecret != ""))
				fmt.Printf("Serving Sifter API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&printToken, "print-token", false, "print a bearer token signed with SIFTER_JWT_SECRET and exit")
	return cmd
}
