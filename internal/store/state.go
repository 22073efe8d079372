package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nickcecere/ragsync/internal/filesync"
	"github.com/nickcecere/ragsync/internal/store/migrations"
)

// StateStore keeps the last known state of every user's files. Rows are only
// changed through Apply.
type StateStore struct {
	db          *sql.DB
	mu          sync.RWMutex
	newIdentity func() string
}

// StateOption configures a StateStore.
type StateOption func(*StateStore)

// WithIdentityGenerator replaces the identity generator.
func WithIdentityGenerator(fn func() string) StateOption {
	return func(s *StateStore) {
		s.newIdentity = fn
	}
}

// NewStateStore opens the state database at dbPath.
func NewStateStore(dbPath string, opts ...StateOption) (*StateStore, error) {
	db, err := OpenDB(dbPath, migrations.State)
	if err != nil {
		return nil, err
	}

	s := &StateStore{db: db, newIdentity: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *StateStore) Close() error {
	return s.db.Close()
}

const stateColumns = `user_id, file_path, folder_path, file_name, size_bytes, extension,
	last_modified, content_hash, identity, status, last_action`

// ActiveStates returns the active records of a user. Deleted records are
// not returned.
func (s *StateStore) ActiveStates(ctx context.Context, user string) ([]UserFileState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.query(ctx, `SELECT `+stateColumns+` FROM file_states
		WHERE user_id = ? AND status = ? ORDER BY file_path`, user, string(StatusActive))
}

// List returns every record of a user, deleted ones included.
func (s *StateStore) List(ctx context.Context, user string) ([]UserFileState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.query(ctx, `SELECT `+stateColumns+` FROM file_states
		WHERE user_id = ? ORDER BY file_path`, user)
}

// Record returns the record of one file, or nil if the path was never seen.
func (s *StateStore) Record(ctx context.Context, user, filePath string) (*UserFileState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states, err := s.query(ctx, `SELECT `+stateColumns+` FROM file_states
		WHERE user_id = ? AND file_path = ?`, user, filePath)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	return &states[0], nil
}

// Users returns every user with at least one record.
func (s *StateStore) Users(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT user_id FROM file_states ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// Apply records a diff. Added and modified files are upserted by path:
// identity is kept for a path that is still active and freshly assigned
// otherwise. Deleted files only change status. Applying the same diff twice
// leaves the same rows as applying it once.
func (s *StateStore) Apply(ctx context.Context, user string, results []filesync.SyncResult) error {
	if len(results) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		f := r.File
		switch r.Action {
		case filesync.ActionAdd, filesync.ActionModify:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO file_states (`+stateColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, file_path) DO UPDATE SET
					folder_path = excluded.folder_path,
					file_name = excluded.file_name,
					size_bytes = excluded.size_bytes,
					extension = excluded.extension,
					last_modified = excluded.last_modified,
					content_hash = excluded.content_hash,
					identity = CASE WHEN file_states.status = 'deleted'
						THEN excluded.identity ELSE file_states.identity END,
					status = excluded.status,
					last_action = excluded.last_action
			`, user, f.FilePath, f.FolderPath, f.FileName, f.SizeBytes, f.Extension,
				formatTime(f.LastModified), f.ContentHash, s.newIdentity(), string(StatusActive), string(r.Action))
			if err != nil {
				return fmt.Errorf("failed to upsert %s: %w", f.FilePath, err)
			}

		case filesync.ActionDelete:
			_, err = tx.ExecContext(ctx, `
				UPDATE file_states SET status = ?, last_action = ?
				WHERE user_id = ? AND file_path = ?
			`, string(StatusDeleted), string(filesync.ActionDelete), user, f.FilePath)
			if err != nil {
				return fmt.Errorf("failed to mark %s deleted: %w", f.FilePath, err)
			}
		}
	}

	return tx.Commit()
}

// Reset removes every record of a user.
func (s *StateStore) Reset(ctx context.Context, user string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM file_states WHERE user_id = ?", user)
	if err != nil {
		return 0, fmt.Errorf("failed to reset state for %s: %w", user, err)
	}
	return result.RowsAffected()
}

func (s *StateStore) query(ctx context.Context, query string, args ...any) ([]UserFileState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query file states: %w", err)
	}
	defer rows.Close()

	var states []UserFileState
	for rows.Next() {
		var st UserFileState
		var lastModified, status, lastAction string

		if err := rows.Scan(
			&st.UserID, &st.FilePath, &st.FolderPath, &st.FileName,
			&st.SizeBytes, &st.Extension, &lastModified, &st.ContentHash,
			&st.Identity, &status, &lastAction,
		); err != nil {
			return nil, fmt.Errorf("failed to scan file state: %w", err)
		}

		st.LastModified = parseTime(lastModified)
		st.Status = FileStatus(status)
		st.LastAction = filesync.SyncAction(lastAction)
		states = append(states, st)
	}

	return states, rows.Err()
}
