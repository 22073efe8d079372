package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/ragsync/internal/store/migrations"
)

// ErrDimensionMismatch is returned when an embedding does not match the
// dimensions of the vectors already stored.
var ErrDimensionMismatch = errors.New("embedding dimensions do not match index")

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Index stores chunk and summary records in named collections, with their
// embeddings in a sqlite-vec table. Writes are keyed by (collection, id), so
// writing the same record twice overwrites it.
type Index struct {
	db         *sql.DB
	mu         sync.RWMutex
	dimensions int // 0 until the first embedding is stored
}

// NewIndex opens the index database at dbPath.
func NewIndex(dbPath string) (*Index, error) {
	db, err := OpenDB(dbPath, migrations.Index)
	if err != nil {
		return nil, err
	}

	x := &Index{db: db}
	if err := x.loadDimensions(); err != nil {
		db.Close()
		return nil, err
	}
	return x, nil
}

// Close closes the database connection.
func (x *Index) Close() error {
	return x.db.Close()
}

// Dimensions returns the embedding dimensions of the index, or 0 if no
// embedding has been stored yet.
func (x *Index) Dimensions() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dimensions
}

func (x *Index) loadDimensions() error {
	var value string
	err := x.db.QueryRow("SELECT value FROM index_settings WHERE key = 'dimensions'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index settings: %w", err)
	}

	x.dimensions, err = strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid stored dimensions %q: %w", value, err)
	}
	return nil
}

// ensureVectorTable creates the vector table the first time an embedding of
// the given size is written.
func (x *Index) ensureVectorTable(tx *sql.Tx, dimensions int) error {
	if x.dimensions == dimensions {
		return nil
	}
	if x.dimensions != 0 {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, dimensions, x.dimensions)
	}

	log.Debug("Creating vector table", "dimensions", dimensions)
	query := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS record_vectors USING vec0(
			record_pk INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, dimensions)
	if _, err := tx.Exec(query); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	_, err := tx.Exec("INSERT OR REPLACE INTO index_settings (key, value) VALUES ('dimensions', ?)", strconv.Itoa(dimensions))
	if err != nil {
		return fmt.Errorf("failed to store dimensions: %w", err)
	}
	return nil
}

// Upsert inserts or replaces records in a collection.
func (x *Index) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	// The vector table may be created inside the transaction; forget its
	// dimensions again if the transaction does not commit.
	committed := false
	prev := x.dimensions
	defer func() {
		if !committed {
			x.dimensions = prev
		}
	}()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		if len(r.Embedding) > 0 {
			if err := x.ensureVectorTable(tx, len(r.Embedding)); err != nil {
				return err
			}
			x.dimensions = len(r.Embedding)
		}

		metadata := r.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", r.ID, err)
		}

		var pk int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO index_records (collection, id, document, metadata, has_embedding)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET
				document = excluded.document,
				metadata = excluded.metadata,
				has_embedding = excluded.has_embedding
			RETURNING pk
		`, collection, r.ID, r.Document, string(metaJSON), len(r.Embedding) > 0).Scan(&pk)
		if err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", r.ID, err)
		}

		if x.dimensions == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM record_vectors WHERE record_pk = ?", pk); err != nil {
			return fmt.Errorf("failed to delete old vector for %s: %w", r.ID, err)
		}
		if len(r.Embedding) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO record_vectors (record_pk, embedding) VALUES (?, ?)",
			pk, serializeEmbedding(r.Embedding)); err != nil {
			return fmt.Errorf("failed to insert vector for %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	committed = true
	return nil
}

// Delete removes the records of a collection matching where and returns how
// many were removed.
func (x *Index) Delete(ctx context.Context, collection string, where Where) (int64, error) {
	cond, args, err := where.clause()
	if err != nil {
		return 0, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	selectArgs := append([]any{collection}, args...)
	if x.dimensions > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM record_vectors WHERE record_pk IN (
				SELECT pk FROM index_records WHERE collection = ? AND `+cond+`
			)`, selectArgs...)
		if err != nil {
			return 0, fmt.Errorf("failed to delete vectors: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM index_records WHERE collection = ? AND "+cond, selectArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	n, _ := result.RowsAffected()

	return n, tx.Commit()
}

// DropCollection removes every record of a collection.
func (x *Index) DropCollection(ctx context.Context, collection string) (int64, error) {
	return x.Delete(ctx, collection, HasPrefix("id", ""))
}

// Get returns the records of a collection matching where, ordered by id.
// Embeddings are not loaded.
func (x *Index) Get(ctx context.Context, collection string, where Where) ([]Record, error) {
	cond, args, err := where.clause()
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	rows, err := x.db.QueryContext(ctx, `
		SELECT id, document, metadata FROM index_records
		WHERE collection = ? AND `+cond+` ORDER BY id`,
		append([]any{collection}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var metaJSON string
		if err := rows.Scan(&r.ID, &r.Document, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Embedding returns the stored vector of a record, or nil if it has none.
func (x *Index) Embedding(ctx context.Context, collection, id string) ([]float32, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.dimensions == 0 {
		return nil, nil
	}

	var blob []byte
	err := x.db.QueryRowContext(ctx, `
		SELECT v.embedding FROM record_vectors v
		JOIN index_records r ON r.pk = v.record_pk
		WHERE r.collection = ? AND r.id = ?
	`, collection, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding of %s: %w", id, err)
	}
	return deserializeEmbedding(blob), nil
}

// Count returns the number of records in a collection.
func (x *Index) Count(ctx context.Context, collection string) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var n int
	err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM index_records WHERE collection = ?", collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Collections lists every non-empty collection.
func (x *Index) Collections(ctx context.Context) ([]CollectionInfo, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	rows, err := x.db.QueryContext(ctx, `
		SELECT collection, COUNT(*), COALESCE(SUM(has_embedding), 0)
		FROM index_records GROUP BY collection ORDER BY collection
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var infos []CollectionInfo
	for rows.Next() {
		var info CollectionInfo
		if err := rows.Scan(&info.Name, &info.Records, &info.WithVector); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// clause renders the predicate as SQL over index_records.
func (w Where) clause() (string, []any, error) {
	var col string
	var args []any

	switch {
	case w.Field == "id":
		col = "id"
	case fieldPattern.MatchString(w.Field):
		col = "json_extract(metadata, ?)"
		args = append(args, "$."+w.Field)
	default:
		return "", nil, fmt.Errorf("invalid filter field %q", w.Field)
	}

	if !w.Prefix {
		return col + " = ?", append(args, w.Value), nil
	}

	prefix, ok := w.Value.(string)
	if !ok {
		return "", nil, fmt.Errorf("prefix filter on %q needs a string, got %T", w.Field, w.Value)
	}
	if prefix == "" {
		return "1 = 1", nil, nil
	}
	return "substr(" + col + ", 1, ?) = ?", append(args, utf8.RuneCountInString(prefix), prefix), nil
}
