package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/ragsync/internal/config"
	"github.com/nickcecere/ragsync/internal/ingest"
	"github.com/nickcecere/ragsync/internal/store"
)

// fakeOllama answers embed requests with fixed three-dimensional vectors and
// chat requests with a fixed summary.
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embed":
			var req struct {
				Input []string `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			vectors := make([][]float32, len(req.Input))
			for i := range vectors {
				vectors[i] = []float32{0.1, 0.2, 0.3}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
		case "/api/chat":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]string{"role": "assistant", "content": "  A short summary.  "},
				"done":    true,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, ollamaURL string) *config.Config {
	t.Helper()
	root := t.TempDir()
	data := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.Root = root
	cfg.Database.StatePath = filepath.Join(data, "state.db")
	cfg.Database.IndexPath = filepath.Join(data, "index.db")
	cfg.Database.MirrorPath = filepath.Join(data, "mirror.db")
	cfg.Database.QueuePath = filepath.Join(data, "queue.db")
	cfg.Scheduler.LockPath = filepath.Join(data, "scheduler.lock")
	cfg.Retry.Delay = time.Millisecond
	cfg.Embeddings.Provider = "ollama"
	cfg.Embeddings.Ollama.URL = ollamaURL
	cfg.LLM.Provider = "ollama"
	cfg.LLM.Ollama.URL = ollamaURL
	return cfg
}

func writeUserFile(t *testing.T, cfg *config.Config, user, name, content string) string {
	t.Helper()
	dir := filepath.Join(cfg.Storage.Root, user, "files")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRuntimeScanAndDrain(t *testing.T) {
	cfg := testConfig(t, fakeOllama(t).URL)
	writeUserFile(t, cfg, "alice", "notes.md", "# Notes\n\nFirst line.\nSecond line.\n")

	rt, err := openRuntime(cfg)
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	report, err := rt.orchestrator.Scan(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 1, report.Dispatched)

	require.NoError(t, rt.drain(ctx))

	chunks, err := rt.index.Count(ctx, store.ChunkCollection("alice"))
	require.NoError(t, err)
	assert.Positive(t, chunks)

	summary, err := rt.mirror.File(ctx, "alice", "notes.md")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "A short summary.", summary.Summary)

	stats, err := rt.broker.Stats(ctx)
	require.NoError(t, err)
	for _, s := range stats {
		assert.Zero(t, s.Pending, s.Queue)
		assert.Zero(t, s.Dead, s.Queue)
	}
}

func TestRuntimeDeleteClearsIndex(t *testing.T) {
	cfg := testConfig(t, fakeOllama(t).URL)
	path := writeUserFile(t, cfg, "bob", "todo.txt", "buy milk\n")

	rt, err := openRuntime(cfg)
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	_, err = rt.orchestrator.Scan(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, rt.drain(ctx))

	require.NoError(t, os.Remove(path))
	report, err := rt.orchestrator.Scan(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	require.NoError(t, rt.drain(ctx))

	chunks, err := rt.index.Count(ctx, store.ChunkCollection("bob"))
	require.NoError(t, err)
	assert.Zero(t, chunks)

	summary, err := rt.mirror.File(ctx, "bob", "todo.txt")
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestRuntimeModifiedToUnsupportedClearsOldContent(t *testing.T) {
	cfg := testConfig(t, fakeOllama(t).URL)
	path := writeUserFile(t, cfg, "alice", "doc.txt", "old secret content\n")

	rt, err := openRuntime(cfg)
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	_, err = rt.orchestrator.Scan(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, rt.drain(ctx))

	require.NoError(t, os.WriteFile(path, []byte("new\x00binary\x00"), 0644))
	report, err := rt.orchestrator.Scan(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, report.Modified)
	require.NoError(t, rt.drain(ctx))

	rec, err := rt.states.Record(ctx, "alice", path)
	require.NoError(t, err)
	require.NotNil(t, rec)

	chunks, err := rt.index.Get(ctx, store.ChunkCollection("alice"), store.Eq("file_name", "doc.txt"))
	require.NoError(t, err)
	assert.Empty(t, chunks)

	summaries, err := rt.index.Get(ctx, store.SummaryCollection("alice"), store.Eq("file_name", "doc.txt"))
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, rec.ContentHash, summaries[0].Metadata["content_hash"])

	entry, err := rt.mirror.File(ctx, "alice", "doc.txt")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, rec.ContentHash, entry.ContentHash)
	assert.Equal(t, ingest.SummaryFailedText, entry.Summary)
}

func TestUsersOf(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:0")
	writeUserFile(t, cfg, "carol", "a.txt", "a")

	rt, err := openRuntime(cfg)
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	users, err := usersOf(ctx, rt, []string{"dave"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, users)

	_, err = rt.orchestrator.Scan(ctx, "carol")
	require.NoError(t, err)

	users, err = usersOf(ctx, rt, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, users)
}

func TestOpenRuntimeMissingRoot(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.Storage.Root = filepath.Join(cfg.Storage.Root, "missing")

	_, err := openRuntime(cfg)
	assert.ErrorContains(t, err, "invalid storage root")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestFormatTimeZero(t *testing.T) {
	assert.Equal(t, "unknown", formatTime(time.Time{}))
	assert.True(t, strings.HasPrefix(formatTime(time.Now()), "today at "))
}

func TestSummariesMarkdown(t *testing.T) {
	md := summariesMarkdown("alice", []store.FileSummary{
		{FileName: "a.md", Status: "add", Summary: "Alpha.\n"},
		{FileName: "b.md", Status: "modified", Summary: "Beta."},
	})

	assert.True(t, strings.HasPrefix(md, "# alice\n\n"))
	assert.Contains(t, md, "## a.md\n\n*add, updated unknown*\n\nAlpha.\n\n")
	assert.Less(t, strings.Index(md, "## a.md"), strings.Index(md, "## b.md"))
}
