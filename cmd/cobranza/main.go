package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cobranzalabs/cobranza/internal/audit"
	"github.com/cobranzalabs/cobranza/internal/batch"
	batchservice "github.com/cobranzalabs/cobranza/internal/batch/service"
	"github.com/cobranzalabs/cobranza/internal/charge"
	"github.com/cobranzalabs/cobranza/internal/clock"
	"github.com/cobranzalabs/cobranza/internal/config"
	"github.com/cobranzalabs/cobranza/internal/dunning"
	"github.com/cobranzalabs/cobranza/internal/fallback"
	fallbackservice "github.com/cobranzalabs/cobranza/internal/fallback/service"
	"github.com/cobranzalabs/cobranza/internal/fiscal"
	"github.com/cobranzalabs/cobranza/internal/migration"
	"github.com/cobranzalabs/cobranza/internal/observability"
	"github.com/cobranzalabs/cobranza/internal/redis"
	"github.com/cobranzalabs/cobranza/internal/rollout"
	"github.com/cobranzalabs/cobranza/internal/server"
	"github.com/cobranzalabs/cobranza/internal/storage"
	"github.com/cobranzalabs/cobranza/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "cobranza",
		Short:   "Cobranza collections engine CLI",
		Version: readVersionFromEnv(),
	}
	root.AddCommand(
		newMigrateCmd(),
		newServeCmd(),
		newPrepareCmd(),
		newExportPendingCmd(),
		newImportCmd(),
		newSyncFallbacksCmd(),
		newSweepFallbacksCmd(),
	)
	return root
}

// coreModules is every provider shared by serve and the one-shot commands.
func coreModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		redis.Module,
		storage.Module,
		fiscal.Module,
		audit.Module,
		rollout.Module,
		charge.Module,
		dunning.Module,
		fallback.Module,
		batch.Module,
	)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(
				config.Module,
				observability.Module,
				fx.Provide(registerSnowflake),
				db.Module,
				migration.Module,
			)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the collections API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				coreModules(),
				server.Module,
			)
			app.Run()
			return nil
		},
	}
}

func newPrepareCmd() *cobra.Command {
	var (
		businessDate string
		dryRun       bool
		force        bool
		cutoffHour   int
	)
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build the outbound presentment batch for a business date",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := resolveBusinessDate(businessDate)
			if err != nil {
				return err
			}
			var cutoff *int
			if cmd.Flags().Changed("cutoff-hour") {
				cutoff = &cutoffHour
			}
			return runOnce(coreModules(), fx.Invoke(func(p *batchservice.Preparer) error {
				result, err := p.Prepare(context.Background(), batchservice.PrepareRequest{
					BusinessDate: date,
					DryRun:       dryRun,
					Force:        force,
					CutoffHour:   cutoff,
					CreatedBy:    "cli",
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			}))
		},
	}
	cmd.Flags().StringVar(&businessDate, "date", "", "business date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report eligibility without writing a batch")
	cmd.Flags().BoolVar(&force, "force", false, "ignore agency rollout gating")
	cmd.Flags().IntVar(&cutoffHour, "cutoff-hour", 0, "cutoff hour override for this run (-1 disables)")
	return cmd
}

func newExportPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-pending",
		Short: "Export every prepared presentment batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(coreModules(), fx.Invoke(func(e *batchservice.Exporter) error {
				result, err := e.ExportPending(context.Background())
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			}))
		},
	}
}

func newImportCmd() *cobra.Command {
	var batchIDStr string
	cmd := &cobra.Command{
		Use:   "import <response-file>",
		Short: "Reconcile a bank response file against an outbound batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID, err := snowflake.ParseString(batchIDStr)
			if err != nil {
				return fmt.Errorf("invalid --batch id: %w", err)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return runOnce(coreModules(), fx.Invoke(func(im *batchservice.Importer) error {
				result, err := im.Import(context.Background(), batchID, data, "cli")
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			}))
		},
	}
	cmd.Flags().StringVar(&batchIDStr, "batch", "", "outbound batch id the file answers")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func newSyncFallbacksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-fallbacks",
		Short: "Poll providers for open fallback intent statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(coreModules(), fx.Invoke(func(o *fallbackservice.Orchestrator) error {
				result, err := o.SyncStatuses(context.Background())
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			}))
		},
	}
}

func newSweepFallbacksCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep-fallbacks",
		Short: "Open fallback intents for eligible past-due charges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(coreModules(), fx.Invoke(func(o *fallbackservice.Orchestrator) error {
				result, err := o.SweepEligibleCharges(context.Background(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			}))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum charges to scan")
	return cmd
}

// runOnce starts an fx app, lets its invokes run, and tears it down. The
// invoked function's error surfaces as the command error.
func runOnce(opts ...fx.Option) error {
	app := fx.New(opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	return app.Stop(context.Background())
}

func resolveBusinessDate(raw string) (time.Time, error) {
	if raw == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse("2006-01-02", raw)
}

func printJSON(cmd *cobra.Command, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(encoded))
	return nil
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
