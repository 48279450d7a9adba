// Command factgraphd runs the assertion-graph service: an HTTP server over
// the query surface and ingestion orchestrator, plus a one-shot "import"
// subcommand for scripted/batch use. Wiring follows
// steveyegge/beads/cmd/bd/main.go's pattern of a cobra root command; each
// subcommand's RunE loads config and builds its own logger and store before
// doing its work.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/factgraph/factgraph/internal/graphstore"
	"github.com/factgraph/factgraph/internal/httpapi"
	"github.com/factgraph/factgraph/internal/ingest"
	"github.com/factgraph/factgraph/internal/query"
	"github.com/factgraph/factgraph/internal/specschema"
	"github.com/factgraph/factgraph/internal/telemetry"
	"github.com/factgraph/factgraph/internal/workspace"
)

var (
	cfgFile   string
	verbose   bool
	schemaDir string
	specDir   string
	addr      string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "factgraphd:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "factgraphd",
		Short: "Temporal assertion-graph ingestion and query service",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./factgraphd.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&schemaDir, "schema-dir", "schemas", "directory of per-workspace domain schema YAML files")
	root.PersistentFlags().StringVar(&specDir, "spec-dir", "specs", "directory of mapping-spec YAML files")

	root.AddCommand(serveCmd())
	root.AddCommand(importCmd())
	return root
}

func loadConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetConfigName("factgraphd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	v.SetEnvPrefix("FACTGRAPHD")
	v.AutomaticEnv()
	v.SetDefault("addr", ":8080")
	v.SetDefault("schema_dir", "schemas")
	v.SetDefault("spec_dir", "specs")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	if !cmd.Flags().Changed("schema-dir") {
		schemaDir = v.GetString("schema_dir")
	}
	if !cmd.Flags().Changed("spec-dir") {
		specDir = v.GetString("spec_dir")
	}
	if !cmd.Flags().Changed("addr") {
		addr = v.GetString("addr")
	}
	return nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			logger := telemetry.NewLogger(verbose)

			mp, err := telemetry.NewMeterProvider()
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := telemetry.Shutdown(shutdownCtx, mp); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			metrics, err := ingest.NewMetrics(telemetry.Meter(mp, "factgraph/ingest"))
			if err != nil {
				return fmt.Errorf("ingest metrics: %w", err)
			}

			store := graphstore.NewMemStore()
			reg := workspace.NewRegistry(schemaDir, logger)
			stopWatch, err := reg.Watch()
			if err != nil {
				logger.Warn("schema watch disabled", "error", err)
			} else {
				defer stopWatch()
			}

			orchestrator := &ingest.Orchestrator{
				Store:   store,
				Schemas: specschema.NewCache(),
				Logger:  logger,
				Metrics: metrics,
			}
			srv := &httpapi.Server{
				Store:        store,
				Orchestrator: orchestrator,
				Query:        &query.Service{Store: store},
				Workspaces:   reg,
				Logger:       logger,
				SpecDir:      specDir,
			}

			httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("factgraphd listening", "addr", addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	return cmd
}

func importCmd() *cobra.Command {
	var workspaceID, specName, sourcePath, actor string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run a single ingestion pass against a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			if workspaceID == "" || specName == "" || sourcePath == "" {
				return fmt.Errorf("--workspace, --spec, and --source are required")
			}
			logger := telemetry.NewLogger(verbose)
			store := graphstore.NewMemStore()
			orchestrator := &ingest.Orchestrator{
				Store:   store,
				Schemas: specschema.NewCache(),
				Logger:  logger,
			}
			result, err := orchestrator.Import(context.Background(), ingest.Options{
				WorkspaceID: workspaceID,
				SpecPath:    specDir + "/" + specName + ".yaml",
				SourcePath:  sourcePath,
				Actor:       actor,
			})
			if err != nil {
				return err
			}
			fmt.Printf("import_run_id=%s status=%s created=%d closed=%d unchanged=%d\n",
				result.ImportRunID, result.Status, result.Created, result.Closed, result.Unchanged)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&specName, "spec", "", "mapping spec name (without .yaml)")
	cmd.Flags().StringVar(&sourcePath, "source", "", "path to the source spreadsheet or CSV")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on the resulting ChangeEvent")
	return cmd
}
