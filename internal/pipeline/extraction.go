package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/ragsync/internal/extract"
	"github.com/nickcecere/ragsync/internal/store"
)

// RecordLookup finds the recorded state of one file.
type RecordLookup interface {
	Record(ctx context.Context, user, filePath string) (*store.UserFileState, error)
}

// ExtractionStage turns extraction requests into ingestion payloads.
type ExtractionStage struct {
	states     RecordLookup
	extractor  extract.Extractor
	ingestions Enqueuer[IngestionPayload]
	logger     *log.Logger
}

// NewExtractionStage creates the extraction stage.
func NewExtractionStage(states RecordLookup, extractor extract.Extractor, ingestions Enqueuer[IngestionPayload]) *ExtractionStage {
	return &ExtractionStage{
		states:     states,
		extractor:  extractor,
		ingestions: ingestions,
		logger:     log.WithPrefix("extraction"),
	}
}

// Handle is the queue handler of the extraction stage. The file's identity
// and status come from its recorded state, not from the request.
func (e *ExtractionStage) Handle(ctx context.Context, req ExtractionRequest) error {
	logger := e.logger.With("user", req.UserID, "file", req.FilePath)

	rec, err := e.states.Record(ctx, req.UserID, req.FilePath)
	if err != nil {
		return fmt.Errorf("failed to load state of %s: %w", req.FilePath, err)
	}
	if rec == nil {
		return fmt.Errorf("%w: no state recorded for %s", ErrDataIntegrity, req.FilePath)
	}
	if rec.Status == store.StatusDeleted {
		logger.Info("File deleted since request, skipping")
		return nil
	}
	if req.ContentHash != "" && rec.ContentHash != req.ContentHash {
		// A newer request for the current content is already queued.
		logger.Debug("Stale request, skipping", "requested", req.ContentHash, "recorded", rec.ContentHash)
		return nil
	}

	status, err := StatusForAction(rec.LastAction)
	if err != nil || status == IngestDeleted {
		return fmt.Errorf("%w: active record of %s has last action %q", ErrDataIntegrity, req.FilePath, rec.LastAction)
	}

	pages, err := e.extractor.Extract(ctx, rec.FilePath)
	switch {
	case errors.Is(err, extract.ErrUnsupportedFormat) && status == IngestModified:
		// The previous content is still indexed under this identity and
		// must be cleared. Ingesting no text stores the failure summary.
		logger.Warn("Unsupported format, clearing previous version", "error", err)
		pages = nil
	case errors.Is(err, extract.ErrUnsupportedFormat):
		logger.Warn("Unsupported format, not ingesting", "error", err)
		return nil
	case errors.Is(err, os.ErrNotExist):
		logger.Info("File removed before extraction, skipping")
		return nil
	case err != nil:
		return fmt.Errorf("failed to extract %s: %w", req.FilePath, err)
	}

	payload := IngestionPayload{
		Identity:      rec.Identity,
		ContentHash:   rec.ContentHash,
		UserID:        rec.UserID,
		FileName:      rec.FileName,
		FilePath:      rec.FilePath,
		FolderPath:    rec.FolderPath,
		Status:        status,
		LastModified:  rec.LastModified,
		ExtractedText: pages,
	}
	if _, err := e.ingestions.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("failed to dispatch ingestion of %s: %w", req.FilePath, err)
	}

	logger.Debug("Extracted", "pages", len(pages), "status", status)
	return nil
}
