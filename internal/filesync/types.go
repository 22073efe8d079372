// Package filesync describes what a scan observes on disk and how that
// observation differs from the last recorded state of a user's files.
package filesync

import "time"

// SyncAction is the outcome of comparing one file on disk with its record.
type SyncAction string

const (
	ActionAdd      SyncAction = "add"
	ActionModify   SyncAction = "modified"
	ActionDelete   SyncAction = "deleted"
	ActionNoChange SyncAction = "no_change"
)

// FileMetadata is the observable state of a single file. It is produced fresh
// on every scan and is never persisted on its own.
type FileMetadata struct {
	UserID       string    `json:"user_id" yaml:"user_id"`
	FilePath     string    `json:"file_path" yaml:"file_path"`     // Absolute path, unique within a user
	FolderPath   string    `json:"folder_path" yaml:"folder_path"` // Directory containing the file
	FileName     string    `json:"file_name" yaml:"file_name"`
	SizeBytes    int64     `json:"size_bytes" yaml:"size_bytes"`
	Extension    string    `json:"extension" yaml:"extension"` // Includes the leading dot
	LastModified time.Time `json:"last_modified" yaml:"last_modified"`
	ContentHash  string    `json:"content_hash" yaml:"content_hash"` // sha256 hex of the file bytes
}

// SyncResult is one entry of a diff. Reason is diagnostic only.
type SyncResult struct {
	Action SyncAction
	File   FileMetadata
	Reason string
}

// NeedsExtraction reports whether the file's content must be read again.
func (r SyncResult) NeedsExtraction() bool {
	return r.Action == ActionAdd || r.Action == ActionModify
}
