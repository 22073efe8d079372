package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/nickcecere/ragsync/internal/store/migrations"
)

// Mirror holds one document per user listing the summaries of that user's
// ingested files. Entries are keyed by file name.
type Mirror struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewMirror opens the mirror database at dbPath.
func NewMirror(dbPath string) (*Mirror, error) {
	db, err := OpenDB(dbPath, migrations.Mirror)
	if err != nil {
		return nil, err
	}
	return &Mirror{db: db}, nil
}

// Close closes the database connection.
func (m *Mirror) Close() error {
	return m.db.Close()
}

const mirrorColumns = `identity, file_name, file_path, folder_path, content_hash, status, summary, last_updated`

// Document returns the user's document. A user without entries gets an
// empty document.
func (m *Mirror) Document(ctx context.Context, user string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files, err := m.query(ctx, `SELECT `+mirrorColumns+` FROM mirror_files
		WHERE user_id = ? ORDER BY seq`, user)
	if err != nil {
		return nil, err
	}
	return &Document{UserID: user, Files: files}, nil
}

// File returns the entry for fileName, or nil if there is none.
func (m *Mirror) File(ctx context.Context, user, fileName string) (*FileSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files, err := m.query(ctx, `SELECT `+mirrorColumns+` FROM mirror_files
		WHERE user_id = ? AND file_name = ?`, user, fileName)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return &files[0], nil
}

// UpsertFile replaces the entry with the same file name, keeping its
// position, or appends a new one.
func (m *Mirror) UpsertFile(ctx context.Context, user string, f FileSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO mirror_files (user_id, `+mirrorColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM mirror_files WHERE user_id = ?))
		ON CONFLICT(user_id, file_name) DO UPDATE SET
			identity = excluded.identity,
			file_path = excluded.file_path,
			folder_path = excluded.folder_path,
			content_hash = excluded.content_hash,
			status = excluded.status,
			summary = excluded.summary,
			last_updated = excluded.last_updated
	`, user, f.Identity, f.FileName, f.FilePath, f.FolderPath, f.ContentHash, f.Status, f.Summary,
		formatTime(f.LastUpdated), user)
	if err != nil {
		return fmt.Errorf("failed to upsert summary of %s: %w", f.FileName, err)
	}
	return nil
}

// RemoveFile removes the entry for fileName and reports whether one existed.
func (m *Mirror) RemoveFile(ctx context.Context, user, fileName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, err := m.db.ExecContext(ctx, "DELETE FROM mirror_files WHERE user_id = ? AND file_name = ?", user, fileName)
	if err != nil {
		return false, fmt.Errorf("failed to remove summary of %s: %w", fileName, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Users returns every user with a non-empty document.
func (m *Mirror) Users(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.QueryContext(ctx, "SELECT DISTINCT user_id FROM mirror_files ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// Reset removes the user's document.
func (m *Mirror) Reset(ctx context.Context, user string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, err := m.db.ExecContext(ctx, "DELETE FROM mirror_files WHERE user_id = ?", user)
	if err != nil {
		return 0, fmt.Errorf("failed to reset mirror for %s: %w", user, err)
	}
	return result.RowsAffected()
}

func (m *Mirror) query(ctx context.Context, query string, args ...any) ([]FileSummary, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror: %w", err)
	}
	defer rows.Close()

	var files []FileSummary
	for rows.Next() {
		var f FileSummary
		var lastUpdated string
		if err := rows.Scan(&f.Identity, &f.FileName, &f.FilePath, &f.FolderPath,
			&f.ContentHash, &f.Status, &f.Summary, &lastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		f.LastUpdated = parseTime(lastUpdated)
		files = append(files, f)
	}
	return files, rows.Err()
}
