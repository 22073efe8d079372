package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/ragsync/internal/fs"
	"github.com/nickcecere/ragsync/internal/pipeline"
	"github.com/nickcecere/ragsync/internal/store"
)

var fixedNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

// fakeEmbedder embeds any text not containing "FAIL". A batch holding such
// a text fails as a whole.
type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int // requests of either kind
	batches int
	single  int
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.single++
	e.mu.Unlock()
	if strings.Contains(text, "FAIL") {
		return nil, errors.New("embedding service unavailable")
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.batches++
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.Contains(text, "FAIL") {
			return nil, errors.New("embedding service unavailable")
		}
		out[i] = []float32{float32(len(text)), 1, 0}
	}
	return out, nil
}

// fakeSummarizer returns a fixed summary or an error.
type fakeSummarizer struct {
	summary string
	err     error
	texts   []string
}

func (s *fakeSummarizer) Summarize(_ context.Context, text string) (string, error) {
	s.texts = append(s.texts, text)
	return s.summary, s.err
}

type env struct {
	index      *store.Index
	mirror     *store.Mirror
	embedder   *fakeEmbedder
	summarizer *fakeSummarizer
	ingester   *Ingester
	splitter   *fs.Splitter
}

func setup(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	index, err := store.NewIndex(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	mirror, err := store.NewMirror(filepath.Join(dir, "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { mirror.Close() })

	e := &env{
		index:      index,
		mirror:     mirror,
		embedder:   &fakeEmbedder{},
		summarizer: &fakeSummarizer{summary: "A document about testing."},
		splitter:   fs.NewSplitter(fs.SplitOptions{ChunkSize: 40, ChunkOverlap: 0}),
	}
	e.ingester = New(index, mirror, e.embedder, e.summarizer, e.splitter,
		WithConcurrency(2), WithClock(func() time.Time { return fixedNow }))
	return e
}

func payload(status pipeline.IngestStatus, identity, name string, pages map[string]string) pipeline.IngestionPayload {
	return pipeline.IngestionPayload{
		Identity:      identity,
		ContentHash:   "hash-" + identity,
		UserID:        "alice",
		FileName:      name,
		FilePath:      "/data/alice/files/" + name,
		FolderPath:    "/data/alice/files",
		Status:        status,
		LastModified:  time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		ExtractedText: pages,
	}
}

// lines joins n distinct 30-character lines so each becomes one chunk.
func lines(prefix string, n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = prefix + strings.Repeat(string(rune('a'+i)), 30-len(prefix))
	}
	return strings.Join(out, "\n")
}

func (e *env) chunks(t *testing.T, fileName string) []store.Record {
	t.Helper()
	records, err := e.index.Get(context.Background(), store.ChunkCollection("alice"), store.Eq("file_name", fileName))
	require.NoError(t, err)
	return records
}

func (e *env) summaries(t *testing.T, fileName string) []store.Record {
	t.Helper()
	records, err := e.index.Get(context.Background(), store.SummaryCollection("alice"), store.Eq("file_name", fileName))
	require.NoError(t, err)
	return records
}

func TestProcessAdd(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	text := lines("v1", 3)
	res, err := e.ingester.Process(ctx, payload(pipeline.IngestAdd, "id1", "a.txt", map[string]string{"page_1": text}))
	require.NoError(t, err)

	expected := e.splitter.Split(text)
	assert.Equal(t, len(expected), res.Chunks)
	assert.Zero(t, res.Dropped)
	assert.False(t, res.SummaryFailed)

	chunks := e.chunks(t, "a.txt")
	require.Len(t, chunks, len(expected))
	for i, c := range chunks {
		assert.Equal(t, expected[i].Content, c.Document)
		assert.Equal(t, "id1", c.Metadata["identity"])
		assert.Equal(t, "hash-id1", c.Metadata["content_hash"])
		assert.Equal(t, "alice", c.Metadata["user_id"])
		assert.Equal(t, float64(expected[i].Index), c.Metadata["chunk_index"])
		assert.Equal(t, fixedNow.Format(time.RFC3339Nano), c.Metadata["timestamp"])
	}
	assert.Equal(t, "id1_0", chunks[0].ID)

	summaries := e.summaries(t, "a.txt")
	require.Len(t, summaries, 1)
	assert.Equal(t, "summary_id1", summaries[0].ID)
	assert.Equal(t, "A document about testing.", summaries[0].Document)
	assert.Equal(t, "add", summaries[0].Metadata["status"])

	vec, err := e.index.Embedding(ctx, store.SummaryCollection("alice"), "summary_id1")
	require.NoError(t, err)
	assert.NotEmpty(t, vec)

	entry, err := e.mirror.File(ctx, "alice", "a.txt")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "id1", entry.Identity)
	assert.Equal(t, "A document about testing.", entry.Summary)
	assert.Equal(t, "add", entry.Status)
	assert.True(t, entry.LastUpdated.Equal(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)))

	require.Len(t, e.summarizer.texts, 1)
	assert.Equal(t, text, e.summarizer.texts[0])
}

func TestProcessJoinsPagesInOrder(t *testing.T) {
	e := setup(t)

	pages := map[string]string{"page_2": "second", "page_10": "tenth", "page_1": "first"}
	_, err := e.ingester.Process(context.Background(), payload(pipeline.IngestAdd, "id1", "a.txt", pages))
	require.NoError(t, err)

	require.Len(t, e.summarizer.texts, 1)
	assert.Equal(t, "first\nsecond\ntenth", e.summarizer.texts[0])
}

func TestProcessDropsFailedChunks(t *testing.T) {
	e := setup(t)

	text := strings.Join([]string{
		strings.Repeat("a", 30),
		"FAIL" + strings.Repeat("b", 26),
		strings.Repeat("c", 30),
	}, "\n")
	res, err := e.ingester.Process(context.Background(), payload(pipeline.IngestAdd, "id1", "a.txt", map[string]string{"page_1": text}))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 1, res.Dropped)

	var ids []string
	for _, c := range e.chunks(t, "a.txt") {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"id1_0", "id1_2"}, ids)

	// The failed batch was retried chunk by chunk.
	assert.Equal(t, 1, e.embedder.batches)
	assert.Equal(t, 4, e.embedder.single, "three chunks and the summary")
}

func TestProcessEmbedsInBatches(t *testing.T) {
	e := setup(t)
	e.ingester = New(e.index, e.mirror, e.embedder, e.summarizer, e.splitter,
		WithBatchSize(2), WithClock(func() time.Time { return fixedNow }))

	res, err := e.ingester.Process(context.Background(), payload(pipeline.IngestAdd, "id1", "a.txt", map[string]string{"page_1": lines("v1", 5)}))
	require.NoError(t, err)

	assert.Equal(t, 5, res.Chunks)
	assert.Equal(t, 3, e.embedder.batches)
	assert.Equal(t, 1, e.embedder.single, "only the summary is embedded alone")
	assert.Len(t, e.chunks(t, "a.txt"), 5)
}

func TestProcessSummaryFailure(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.summarizer.err = errors.New("llm down")

	res, err := e.ingester.Process(ctx, payload(pipeline.IngestAdd, "id1", "a.txt", map[string]string{"page_1": "short text"}))
	require.NoError(t, err)
	assert.True(t, res.SummaryFailed)
	assert.Equal(t, 1, res.Chunks)

	entry, err := e.mirror.File(ctx, "alice", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, SummaryFailedText, entry.Summary)

	summaries := e.summaries(t, "a.txt")
	require.Len(t, summaries, 1)
	assert.Equal(t, SummaryFailedText, summaries[0].Document)

	vec, err := e.index.Embedding(ctx, store.SummaryCollection("alice"), "summary_id1")
	require.NoError(t, err)
	assert.Nil(t, vec)
}

func TestProcessModifiedReplacesContent(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	_, err := e.ingester.Process(ctx, payload(pipeline.IngestAdd, "id1", "a.txt", map[string]string{"page_1": lines("v1", 3)}))
	require.NoError(t, err)
	_, err = e.ingester.Process(ctx, payload(pipeline.IngestAdd, "id2", "b.txt", map[string]string{"page_1": lines("bb", 2)}))
	require.NoError(t, err)
	require.Len(t, e.chunks(t, "a.txt"), 3)

	e.summarizer.summary = "Updated summary."
	mod := payload(pipeline.IngestModified, "id1", "a.txt", map[string]string{"page_1": lines("v2", 1)})
	mod.ContentHash = "hash-v2"
	res, err := e.ingester.Process(ctx, mod)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Removed)
	assert.Equal(t, 1, res.Chunks)

	chunks := e.chunks(t, "a.txt")
	require.Len(t, chunks, 1)
	assert.True(t, strings.HasPrefix(chunks[0].Document, "v2"))
	assert.Equal(t, "hash-v2", chunks[0].Metadata["content_hash"])

	doc, err := e.mirror.Document(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, doc.Files, 2)
	entry, err := e.mirror.File(ctx, "alice", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "Updated summary.", entry.Summary)
	assert.Equal(t, "modified", entry.Status)

	// Other files are untouched.
	assert.Len(t, e.chunks(t, "b.txt"), 2)
}

func TestProcessDeleted(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	_, err := e.ingester.Process(ctx, payload(pipeline.IngestAdd, "id1", "a.txt", map[string]string{"page_1": lines("v1", 2)}))
	require.NoError(t, err)
	_, err = e.ingester.Process(ctx, payload(pipeline.IngestAdd, "id2", "b.txt", map[string]string{"page_1": "other"}))
	require.NoError(t, err)

	calls := e.embedder.calls
	res, err := e.ingester.Process(ctx, payload(pipeline.IngestDeleted, "id1", "a.txt", nil))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Removed)
	assert.Equal(t, calls, e.embedder.calls)

	assert.Empty(t, e.chunks(t, "a.txt"))
	assert.Empty(t, e.summaries(t, "a.txt"))
	entry, err := e.mirror.File(ctx, "alice", "a.txt")
	require.NoError(t, err)
	assert.Nil(t, entry)

	assert.Len(t, e.chunks(t, "b.txt"), 1)
	assert.Len(t, e.summaries(t, "b.txt"), 1)

	// Deleting again is harmless.
	res, err = e.ingester.Process(ctx, payload(pipeline.IngestDeleted, "id1", "a.txt", nil))
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
}

func TestProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	p := payload(pipeline.IngestAdd, "id1", "a.txt", map[string]string{"page_1": lines("v1", 3)})

	for i := 0; i < 2; i++ {
		_, err := e.ingester.Process(ctx, p)
		require.NoError(t, err)
	}

	assert.Len(t, e.chunks(t, "a.txt"), 3)
	assert.Len(t, e.summaries(t, "a.txt"), 1)
	doc, err := e.mirror.Document(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, doc.Files, 1)
}

func TestProcessEmptyText(t *testing.T) {
	e := setup(t)

	res, err := e.ingester.Process(context.Background(), payload(pipeline.IngestAdd, "id1", "empty.txt", map[string]string{"page_1": "  \n "}))
	require.NoError(t, err)
	assert.Zero(t, res.Chunks)
	assert.True(t, res.SummaryFailed)
	assert.Empty(t, e.summarizer.texts)

	summaries := e.summaries(t, "empty.txt")
	require.Len(t, summaries, 1)
	assert.Equal(t, SummaryFailedText, summaries[0].Document)
}

func TestProcessModifiedWithoutTextClearsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	_, err := e.ingester.Process(ctx, payload(pipeline.IngestAdd, "id1", "doc.txt", map[string]string{"page_1": lines("old", 2)}))
	require.NoError(t, err)
	require.Len(t, e.chunks(t, "doc.txt"), 2)

	mod := payload(pipeline.IngestModified, "id1", "doc.txt", nil)
	mod.ContentHash = "hash-v2"
	res, err := e.ingester.Process(ctx, mod)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Removed)
	assert.True(t, res.SummaryFailed)

	assert.Empty(t, e.chunks(t, "doc.txt"))
	summaries := e.summaries(t, "doc.txt")
	require.Len(t, summaries, 1)
	assert.Equal(t, "hash-v2", summaries[0].Metadata["content_hash"])

	entry, err := e.mirror.File(ctx, "alice", "doc.txt")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "hash-v2", entry.ContentHash)
	assert.Equal(t, SummaryFailedText, entry.Summary)
}

func TestProcessRejectsBadPayloads(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	p := payload(pipeline.IngestAdd, "", "a.txt", nil)
	_, err := e.ingester.Process(ctx, p)
	assert.Error(t, err)

	p = payload("renamed", "id1", "a.txt", nil)
	_, err = e.ingester.Process(ctx, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ingest status")
}

func TestProcessCancelled(t *testing.T) {
	e := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.ingester.Handle(ctx, payload(pipeline.IngestAdd, "id1", "a.txt", map[string]string{"page_1": "text"}))
	assert.Error(t, err)
}
