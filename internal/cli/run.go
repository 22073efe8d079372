package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nickcecere/ragsync/internal/config"
	"github.com/nickcecere/ragsync/internal/pipeline"
)

var runNoSchedule bool

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler and the pipeline workers",
	Long: `Run periodic discovery together with the scan, extraction and
ingestion workers until interrupted.

Only one scheduler may run against a storage root at a time. When the
scheduler lock is held elsewhere, the workers still start.

Examples:
  # Scheduler and workers
  ragsync run

  # Workers only
  ragsync run --no-schedule`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runNoSchedule, "no-schedule", false, "run workers without the discovery scheduler")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ingester, err := rt.ingester()
	if err != nil {
		return err
	}
	stage := rt.extractionStage()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			log.Info("Shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("Starting ragsync",
		"root", rt.scanner.Root(),
		"interval", cfg.Scheduler.Interval,
		"scan_workers", cfg.Workers.Scan,
		"extraction_workers", cfg.Workers.Extraction,
		"ingestion_workers", cfg.Workers.Ingestion,
	)

	g, gctx := errgroup.WithContext(ctx)

	if !runNoSchedule {
		g.Go(func() error {
			scheduler := pipeline.NewScheduler(rt.orchestrator, cfg.Scheduler.Interval, cfg.Scheduler.LockPath)
			err := scheduler.Run(gctx)
			if errors.Is(err, pipeline.ErrSchedulerLocked) {
				log.Warn("Another scheduler holds the lock, running workers only", "lock", cfg.Scheduler.LockPath)
				return nil
			}
			if err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return rt.scans.Consume(gctx, cfg.Workers.Scan, rt.orchestrator.HandleScan)
	})
	g.Go(func() error {
		return rt.extractions.Consume(gctx, cfg.Workers.Extraction, stage.Handle)
	})
	g.Go(func() error {
		return rt.ingestions.Consume(gctx, cfg.Workers.Ingestion, ingester.Handle)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("Stopped")
	return nil
}
