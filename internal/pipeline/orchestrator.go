package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/nickcecere/ragsync/internal/filesync"
	"github.com/nickcecere/ragsync/internal/fs"
	"github.com/nickcecere/ragsync/internal/store"
)

// discoveryConcurrency bounds parallel scan dispatches.
const discoveryConcurrency = 8

// StateStore is the part of the state store the orchestrator needs.
type StateStore interface {
	ActiveStates(ctx context.Context, user string) ([]store.UserFileState, error)
	Record(ctx context.Context, user, filePath string) (*store.UserFileState, error)
	Apply(ctx context.Context, user string, results []filesync.SyncResult) error
}

// ScanReport describes the outcome of one Scan.
type ScanReport struct {
	UserID     string
	Stats      fs.ScanStats
	Added      int
	Modified   int
	Deleted    int
	Dispatched int

	// Redispatched counts changes of earlier scans whose dispatch failed
	// and succeeded on this one.
	Redispatched int
}

// Changes returns the number of changes the scan found.
func (r ScanReport) Changes() int {
	return r.Added + r.Modified + r.Deleted
}

// SubmitReport describes the outcome of a Submit.
type SubmitReport struct {
	Submitted int
	Skipped   int
}

// Orchestrator runs Discovery, Scan and Submit.
type Orchestrator struct {
	scanner     *fs.Scanner
	states      StateStore
	scans       Enqueuer[ScanRequest]
	extractions Enqueuer[ExtractionRequest]
	ingestions  Enqueuer[IngestionPayload]
	logger      *log.Logger

	mu          sync.Mutex
	undelivered map[string][]undelivered // by user
}

// undelivered is an applied change whose dispatch failed. The state already
// records it, so no later diff will emit it again.
type undelivered struct {
	result   filesync.SyncResult
	identity string
}

// NewOrchestrator creates an orchestrator over the given scanner and state.
func NewOrchestrator(
	scanner *fs.Scanner,
	states StateStore,
	scans Enqueuer[ScanRequest],
	extractions Enqueuer[ExtractionRequest],
	ingestions Enqueuer[IngestionPayload],
) *Orchestrator {
	return &Orchestrator{
		scanner:     scanner,
		states:      states,
		scans:       scans,
		extractions: extractions,
		ingestions:  ingestions,
		logger:      log.WithPrefix("orchestrator"),
		undelivered: make(map[string][]undelivered),
	}
}

// Discover dispatches one scan per user namespace and returns how many were
// dispatched. It does not wait for the scans. A failed dispatch is logged
// and does not stop the others.
func (o *Orchestrator) Discover(ctx context.Context) (int, error) {
	users, err := o.scanner.ListUsers()
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	var dispatched atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoveryConcurrency)
	for _, user := range users {
		g.Go(func() error {
			if _, err := o.scans.Enqueue(gctx, ScanRequest{UserID: user}); err != nil {
				o.logger.Error("Failed to dispatch scan", "user", user, "error", err)
				return nil
			}
			dispatched.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Debug("Discovery complete", "users", len(users), "dispatched", dispatched.Load())
	return int(dispatched.Load()), ctx.Err()
}

// HandleScan is the queue handler of the scan stage.
func (o *Orchestrator) HandleScan(ctx context.Context, req ScanRequest) error {
	_, err := o.Scan(ctx, req.UserID)
	return err
}

// Scan diffs a user's files against the recorded active state, applies the
// diff and dispatches follow-up work: extraction for adds and
// modifications, ingestion for deletions.
func (o *Orchestrator) Scan(ctx context.Context, user string) (ScanReport, error) {
	report := ScanReport{UserID: user}
	logger := o.logger.With("user", user)

	disk, stats, err := o.scanner.ScanUser(ctx, user)
	if err != nil {
		return report, fmt.Errorf("failed to scan files of %s: %w", user, err)
	}
	report.Stats = stats

	report.Redispatched = o.redispatch(ctx, user, logger)

	active, err := o.states.ActiveStates(ctx, user)
	if err != nil {
		return report, fmt.Errorf("failed to load state of %s: %w", user, err)
	}

	recorded := make([]filesync.FileMetadata, len(active))
	byPath := make(map[string]store.UserFileState, len(active))
	for i, st := range active {
		recorded[i] = st.FileMetadata
		byPath[st.FilePath] = st
	}

	results := filesync.Compare(disk, recorded)
	if len(results) == 0 {
		logger.Debug("No changes", "files", stats.FilesFound)
		return report, nil
	}

	counts := filesync.Counts(results)
	report.Added = counts[filesync.ActionAdd]
	report.Modified = counts[filesync.ActionModify]
	report.Deleted = counts[filesync.ActionDelete]

	if err := o.states.Apply(ctx, user, results); err != nil {
		return report, fmt.Errorf("failed to apply changes of %s: %w", user, err)
	}

	var failed []undelivered
	for _, r := range results {
		change := undelivered{result: r, identity: byPath[r.File.FilePath].Identity}
		if err := o.dispatch(ctx, change); err != nil {
			logger.Error("Failed to dispatch", "file", r.File.FileName, "action", r.Action, "error", err)
			failed = append(failed, change)
			continue
		}
		report.Dispatched++
	}

	logger.Info("Scan complete",
		"added", report.Added,
		"modified", report.Modified,
		"deleted", report.Deleted,
		"dispatched", report.Dispatched,
	)

	// State is already applied, so a retry of the task would see no diff.
	// Failed dispatches are kept and sent again by the next scan of the user.
	if len(failed) > 0 {
		o.keepUndelivered(user, failed)
		logger.Error("Changes not dispatched, will retry on next scan", "failed", len(failed))
	}
	return report, nil
}

// Undelivered returns the number of applied changes of user still waiting
// for a successful dispatch.
func (o *Orchestrator) Undelivered(user string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.undelivered[user])
}

func (o *Orchestrator) keepUndelivered(user string, changes []undelivered) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.undelivered[user] = append(o.undelivered[user], changes...)
}

// redispatch sends the kept changes of user again and returns how many went
// through. Those failing again stay kept.
func (o *Orchestrator) redispatch(ctx context.Context, user string, logger *log.Logger) int {
	o.mu.Lock()
	changes := o.undelivered[user]
	delete(o.undelivered, user)
	o.mu.Unlock()

	if len(changes) == 0 {
		return 0
	}

	var failed []undelivered
	for _, c := range changes {
		if err := o.dispatch(ctx, c); err != nil {
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		o.keepUndelivered(user, failed)
		logger.Error("Changes still not dispatched", "failed", len(failed))
	}
	sent := len(changes) - len(failed)
	if sent > 0 {
		logger.Info("Dispatched changes of an earlier scan", "changes", sent)
	}
	return sent
}

func (o *Orchestrator) dispatch(ctx context.Context, c undelivered) error {
	switch {
	case c.result.NeedsExtraction():
		return o.dispatchExtraction(ctx, c.result.File)
	case c.result.Action == filesync.ActionDelete:
		return o.dispatchDeletion(ctx, c.result.File, c.identity)
	}
	return nil
}

// Submit records the given files as added, or modified when an active
// record exists, and dispatches their extraction. Each path must have the
// form root/{user}/files/{name}. Bad or missing paths are skipped.
func (o *Orchestrator) Submit(ctx context.Context, paths []string) (SubmitReport, error) {
	var report SubmitReport
	var errs []error

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		user, err := o.scanner.ParseUserPath(p)
		if err != nil {
			o.logger.Warn("Skipping path", "path", p, "error", err)
			report.Skipped++
			continue
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			o.logger.Warn("Skipping path", "path", p, "error", err)
			report.Skipped++
			continue
		}

		meta, err := o.scanner.Stat(user, abs)
		if err != nil {
			o.logger.Warn("Skipping file", "path", abs, "error", err)
			report.Skipped++
			continue
		}

		rec, err := o.states.Record(ctx, user, meta.FilePath)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to look up %s: %w", meta.FilePath, err))
			continue
		}

		result := filesync.SyncResult{Action: filesync.ActionAdd, File: meta, Reason: "submitted"}
		if rec != nil && rec.Status == store.StatusActive {
			result.Action = filesync.ActionModify
		}

		if err := o.states.Apply(ctx, user, []filesync.SyncResult{result}); err != nil {
			errs = append(errs, fmt.Errorf("failed to record %s: %w", meta.FilePath, err))
			continue
		}
		if err := o.dispatchExtraction(ctx, meta); err != nil {
			errs = append(errs, err)
			continue
		}

		o.logger.Info("Submitted", "user", user, "file", meta.FileName, "action", result.Action)
		report.Submitted++
	}

	return report, errors.Join(errs...)
}

func (o *Orchestrator) dispatchExtraction(ctx context.Context, f filesync.FileMetadata) error {
	_, err := o.extractions.Enqueue(ctx, ExtractionRequest{
		UserID:      f.UserID,
		FilePath:    f.FilePath,
		ContentHash: f.ContentHash,
	})
	if err != nil {
		return fmt.Errorf("failed to dispatch extraction of %s: %w", f.FilePath, err)
	}
	return nil
}

func (o *Orchestrator) dispatchDeletion(ctx context.Context, f filesync.FileMetadata, identity string) error {
	_, err := o.ingestions.Enqueue(ctx, IngestionPayload{
		Identity:     identity,
		ContentHash:  f.ContentHash,
		UserID:       f.UserID,
		FileName:     f.FileName,
		FilePath:     f.FilePath,
		FolderPath:   f.FolderPath,
		Status:       IngestDeleted,
		LastModified: f.LastModified,
	})
	if err != nil {
		return fmt.Errorf("failed to dispatch deletion of %s: %w", f.FilePath, err)
	}
	return nil
}
