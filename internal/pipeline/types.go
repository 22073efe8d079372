// Package pipeline moves file changes from the storage root to the index:
// Discovery finds users, Scan diffs a user's files against recorded state,
// and the extraction stage turns changed files into ingestion payloads.
// Stages talk to each other only through durable queues.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nickcecere/ragsync/internal/filesync"
)

// Queue names.
const (
	ScanQueue       = "scan"
	ExtractionQueue = "extraction"
	IngestionQueue  = "ingestion"
)

// ErrDataIntegrity is returned when a stage finds no recorded state for a
// file it was asked to process.
var ErrDataIntegrity = errors.New("data integrity error")

// Enqueuer dispatches payloads to a stage.
type Enqueuer[T any] interface {
	Enqueue(ctx context.Context, payload T) (string, error)
}

// ScanRequest asks for one user's files to be scanned.
type ScanRequest struct {
	UserID string `json:"user_id"`
}

// ExtractionRequest asks for one added or modified file to be extracted.
type ExtractionRequest struct {
	UserID      string `json:"user_id"`
	FilePath    string `json:"file_path"`
	ContentHash string `json:"content_hash"`
}

// IngestStatus is the change an ingestion payload carries.
type IngestStatus string

const (
	IngestAdd      IngestStatus = "add"
	IngestModified IngestStatus = "modified"
	IngestDeleted  IngestStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s IngestStatus) Valid() bool {
	switch s {
	case IngestAdd, IngestModified, IngestDeleted:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown statuses so a malformed payload is never
// mistaken for an add.
func (s *IngestStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status := IngestStatus(raw)
	if !status.Valid() {
		return fmt.Errorf("unknown ingest status %q", raw)
	}
	*s = status
	return nil
}

// StatusForAction maps a sync action to the ingest status it produces.
func StatusForAction(action filesync.SyncAction) (IngestStatus, error) {
	switch action {
	case filesync.ActionAdd:
		return IngestAdd, nil
	case filesync.ActionModify:
		return IngestModified, nil
	case filesync.ActionDelete:
		return IngestDeleted, nil
	}
	return "", fmt.Errorf("no ingest status for action %q", action)
}

// IngestionPayload is the work item of the ingestion stage. ExtractedText
// maps page ids to page text and is empty for deletions.
type IngestionPayload struct {
	Identity      string            `json:"identity"`
	ContentHash   string            `json:"content_hash"`
	UserID        string            `json:"user_id"`
	FileName      string            `json:"file_name"`
	FilePath      string            `json:"file_path"`
	FolderPath    string            `json:"folder_path"`
	Status        IngestStatus      `json:"status"`
	LastModified  time.Time         `json:"last_modified,omitzero"`
	ExtractedText map[string]string `json:"extracted_text,omitempty"`
}
