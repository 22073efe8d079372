// Package store provides the SQLite-backed persistence of the sync pipeline:
// per-user file state, the chunk/summary index and the summary mirror.
package store

import (
	"time"

	"github.com/nickcecere/ragsync/internal/filesync"
)

// FileStatus is the lifecycle status of a recorded file.
type FileStatus string

const (
	StatusActive  FileStatus = "active"
	StatusDeleted FileStatus = "deleted"
)

// UserFileState is the persisted record of one file of one user.
type UserFileState struct {
	filesync.FileMetadata `yaml:",inline"`

	// Identity is assigned when the file is added and kept across
	// modifications. A file re-added after deletion gets a new one.
	Identity   string              `json:"identity" yaml:"identity"`
	Status     FileStatus          `json:"status" yaml:"status"`
	LastAction filesync.SyncAction `json:"last_action" yaml:"last_action"`
}

// Record is one entry of an index collection.
type Record struct {
	ID        string
	Document  string
	Metadata  map[string]any
	Embedding []float32 // nil when the entry has no vector
}

// Where selects records of a collection. Field "id" matches the record id;
// any other field matches the metadata value of that name.
type Where struct {
	Field  string
	Value  any
	Prefix bool // Value is a string prefix instead of an exact value
}

// Eq matches records whose field equals value.
func Eq(field string, value any) Where {
	return Where{Field: field, Value: value}
}

// HasPrefix matches records whose field starts with prefix.
func HasPrefix(field, prefix string) Where {
	return Where{Field: field, Value: prefix, Prefix: true}
}

// CollectionInfo summarizes one index collection.
type CollectionInfo struct {
	Name       string
	Records    int
	WithVector int
}

// FileSummary is one entry of a user's mirror document.
type FileSummary struct {
	Identity    string    `json:"identity" yaml:"identity"`
	FileName    string    `json:"file_name" yaml:"file_name"`
	FilePath    string    `json:"file_path" yaml:"file_path"`
	FolderPath  string    `json:"folder_path" yaml:"folder_path"`
	ContentHash string    `json:"content_hash" yaml:"content_hash"`
	Status      string    `json:"status" yaml:"status"`
	Summary     string    `json:"summary" yaml:"summary"`
	LastUpdated time.Time `json:"last_updated" yaml:"last_updated"`
}

// Document is the mirror document of one user, files in insertion order.
type Document struct {
	UserID string        `json:"user_id" yaml:"user_id"`
	Files  []FileSummary `json:"files" yaml:"files"`
}

// ChunkCollection returns the name of a user's chunk collection.
func ChunkCollection(user string) string {
	return user + "_chunks"
}

// SummaryCollection returns the name of a user's summary collection.
func SummaryCollection(user string) string {
	return user + "_summaries"
}
