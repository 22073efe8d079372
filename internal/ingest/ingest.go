// Package ingest applies ingestion payloads to the chunk and summary index
// and to the summary mirror.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/nickcecere/ragsync/internal/extract"
	"github.com/nickcecere/ragsync/internal/fs"
	"github.com/nickcecere/ragsync/internal/pipeline"
	"github.com/nickcecere/ragsync/internal/store"
)

// SummaryFailedText is stored as the summary when summarization fails.
const SummaryFailedText = "Summary generation failed."

const (
	// DefaultConcurrency is the number of chunks embedded in parallel when
	// a batch falls back to one request per chunk.
	DefaultConcurrency = 4

	// DefaultBatchSize is the number of chunks sent in one batch request.
	DefaultBatchSize = 32
)

// Embedder computes embeddings, one text at a time or in batches.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Summarizer summarizes one document.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Index is the chunk and summary index.
type Index interface {
	Upsert(ctx context.Context, collection string, records []store.Record) error
	Delete(ctx context.Context, collection string, where store.Where) (int64, error)
}

// Mirror is the per-user summary document store.
type Mirror interface {
	UpsertFile(ctx context.Context, user string, f store.FileSummary) error
	RemoveFile(ctx context.Context, user, fileName string) (bool, error)
}

// Result describes what one payload produced.
type Result struct {
	Chunks        int  // chunks written to the index
	Dropped       int  // chunks left out because embedding failed
	Removed       int  // index records cleared before writing
	SummaryFailed bool // the summary is SummaryFailedText
}

// Ingester processes ingestion payloads. Processing the same payload twice
// leaves the index and mirror as processing it once.
type Ingester struct {
	index       Index
	mirror      Mirror
	embedder    Embedder
	summarizer  Summarizer
	splitter    *fs.Splitter
	concurrency int
	batchSize   int
	now         func() time.Time
	logger      *log.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithConcurrency sets how many chunks are embedded in parallel.
func WithConcurrency(n int) Option {
	return func(i *Ingester) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// WithBatchSize sets how many chunks are sent in one batch request.
func WithBatchSize(n int) Option {
	return func(i *Ingester) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// WithClock replaces the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(i *Ingester) {
		i.now = now
	}
}

// New creates an ingester.
func New(index Index, mirror Mirror, embedder Embedder, summarizer Summarizer, splitter *fs.Splitter, opts ...Option) *Ingester {
	i := &Ingester{
		index:       index,
		mirror:      mirror,
		embedder:    embedder,
		summarizer:  summarizer,
		splitter:    splitter,
		concurrency: DefaultConcurrency,
		batchSize:   DefaultBatchSize,
		now:         time.Now,
		logger:      log.WithPrefix("ingest"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle is the queue handler of the ingestion stage.
func (i *Ingester) Handle(ctx context.Context, p pipeline.IngestionPayload) error {
	_, err := i.Process(ctx, p)
	return err
}

// Process applies one payload. Deletions remove the file's records and
// mirror entry. Modifications remove them and then proceed as an add. An
// add writes one record per embedded chunk and one summary.
func (i *Ingester) Process(ctx context.Context, p pipeline.IngestionPayload) (Result, error) {
	var res Result
	if p.UserID == "" || p.FileName == "" || p.Identity == "" {
		return res, fmt.Errorf("incomplete ingestion payload: user %q, file %q, identity %q", p.UserID, p.FileName, p.Identity)
	}
	logger := i.logger.With("user", p.UserID, "file", p.FileName)

	switch p.Status {
	case pipeline.IngestDeleted:
		n, err := i.clear(ctx, p)
		if err != nil {
			return res, err
		}
		res.Removed = n
		logger.Info("Removed file from index", "records", n)
		return res, nil

	case pipeline.IngestModified:
		n, err := i.clear(ctx, p)
		if err != nil {
			return res, err
		}
		res.Removed = n
		logger.Debug("Cleared previous version", "records", n)

	case pipeline.IngestAdd:

	default:
		return res, fmt.Errorf("unknown ingest status %q", p.Status)
	}

	text := extract.Join(p.ExtractedText)

	chunks, dropped, err := i.embedChunks(ctx, p, text, logger)
	if err != nil {
		return res, err
	}
	res.Chunks = chunks
	res.Dropped = dropped

	failed, err := i.storeSummary(ctx, p, text, logger)
	if err != nil {
		return res, err
	}
	res.SummaryFailed = failed

	logger.Info("Ingested", "status", p.Status, "chunks", res.Chunks, "dropped", res.Dropped, "summary_failed", res.SummaryFailed)
	return res, nil
}

// clear removes every index record and the mirror entry of the payload's
// file name.
func (i *Ingester) clear(ctx context.Context, p pipeline.IngestionPayload) (int, error) {
	where := store.Eq("file_name", p.FileName)

	chunks, err := i.index.Delete(ctx, store.ChunkCollection(p.UserID), where)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks of %s: %w", p.FileName, err)
	}
	summaries, err := i.index.Delete(ctx, store.SummaryCollection(p.UserID), where)
	if err != nil {
		return 0, fmt.Errorf("failed to delete summary of %s: %w", p.FileName, err)
	}
	if _, err := i.mirror.RemoveFile(ctx, p.UserID, p.FileName); err != nil {
		return 0, err
	}
	return int(chunks + summaries), nil
}

// embedChunks splits text, embeds the chunks in batches and upserts the
// embedded ones. A chunk whose embedding fails is dropped.
func (i *Ingester) embedChunks(ctx context.Context, p pipeline.IngestionPayload, text string, logger *log.Logger) (int, int, error) {
	chunks := i.splitter.Split(text)
	if len(chunks) == 0 {
		logger.Warn("No text to index")
		return 0, 0, nil
	}

	vectors := make([][]float32, len(chunks))
	for start := 0; start < len(chunks); start += i.batchSize {
		end := min(start+i.batchSize, len(chunks))
		if err := i.embedBatch(ctx, chunks[start:end], vectors[start:end], logger); err != nil {
			return 0, 0, err
		}
	}

	timestamp := i.now().UTC().Format(time.RFC3339Nano)
	batch := make([]store.Record, 0, len(chunks))
	for n, chunk := range chunks {
		if len(vectors[n]) == 0 {
			continue
		}
		batch = append(batch, store.Record{
			ID:        fmt.Sprintf("%s_%d", p.Identity, chunk.Index),
			Document:  chunk.Content,
			Embedding: vectors[n],
			Metadata: map[string]any{
				"user_id":      p.UserID,
				"file_name":    p.FileName,
				"file_path":    p.FilePath,
				"folder_path":  p.FolderPath,
				"identity":     p.Identity,
				"content_hash": p.ContentHash,
				"chunk_index":  chunk.Index,
				"timestamp":    timestamp,
			},
		})
	}
	dropped := len(chunks) - len(batch)
	if len(batch) == 0 {
		logger.Warn("No chunk could be embedded", "chunks", len(chunks))
		return 0, dropped, nil
	}

	if err := i.index.Upsert(ctx, store.ChunkCollection(p.UserID), batch); err != nil {
		return 0, dropped, fmt.Errorf("failed to store chunks of %s: %w", p.FileName, err)
	}
	return len(batch), dropped, nil
}

// embedBatch fills vectors for one batch of chunks. When the batch request
// fails, every chunk is embedded on its own so a bad chunk drops only itself.
// Vectors of dropped chunks stay nil.
func (i *Ingester) embedBatch(ctx context.Context, chunks []fs.Chunk, vectors [][]float32, logger *log.Logger) error {
	texts := make([]string, len(chunks))
	for n, chunk := range chunks {
		texts[n] = chunk.Content
	}

	embedded, err := i.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(embedded) == len(chunks) {
		for n, vec := range embedded {
			if len(vec) == 0 {
				logger.Warn("Dropping chunk, empty embedding", "chunk", chunks[n].Index)
				continue
			}
			vectors[n] = vec
		}
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err == nil {
		err = fmt.Errorf("got %d vectors for %d chunks", len(embedded), len(chunks))
	}
	logger.Debug("Batch embedding failed, embedding chunks one by one", "chunks", len(chunks), "error", err)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for n, chunk := range chunks {
		g.Go(func() error {
			vec, err := i.embedder.Embed(gctx, chunk.Content)
			if err != nil || len(vec) == 0 {
				if gctx.Err() == nil {
					logger.Warn("Dropping chunk, embedding failed", "chunk", chunk.Index, "error", err)
				}
				return nil
			}
			vectors[n] = vec
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// storeSummary summarizes text and writes the summary to the mirror and the
// summary collection. It reports whether the failure text was stored.
func (i *Ingester) storeSummary(ctx context.Context, p pipeline.IngestionPayload, text string, logger *log.Logger) (bool, error) {
	failed := false
	var summary string
	var err error
	if strings.TrimSpace(text) == "" {
		err = errors.New("no extracted text")
	} else {
		summary, err = i.summarizer.Summarize(ctx, text)
	}
	if err != nil || strings.TrimSpace(summary) == "" {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		logger.Warn("Summary generation failed", "error", err)
		summary = SummaryFailedText
		failed = true
	}

	lastUpdated := p.LastModified
	if lastUpdated.IsZero() {
		lastUpdated = i.now()
	}

	entry := store.FileSummary{
		Identity:    p.Identity,
		FileName:    p.FileName,
		FilePath:    p.FilePath,
		FolderPath:  p.FolderPath,
		ContentHash: p.ContentHash,
		Status:      string(p.Status),
		Summary:     summary,
		LastUpdated: lastUpdated.UTC(),
	}
	if err := i.mirror.UpsertFile(ctx, p.UserID, entry); err != nil {
		return failed, err
	}

	record := store.Record{
		ID:       "summary_" + p.Identity,
		Document: summary,
		Metadata: map[string]any{
			"user_id":      p.UserID,
			"identity":     p.Identity,
			"file_name":    p.FileName,
			"file_path":    p.FilePath,
			"folder_path":  p.FolderPath,
			"content_hash": p.ContentHash,
			"status":       string(p.Status),
			"summary":      summary,
			"last_updated": entry.LastUpdated.Format(time.RFC3339Nano),
		},
	}
	if !failed {
		vec, err := i.embedder.Embed(ctx, summary)
		switch {
		case err == nil:
			record.Embedding = vec
		case ctx.Err() != nil:
			return failed, ctx.Err()
		default:
			logger.Warn("Storing summary without embedding", "error", err)
		}
	}

	if err := i.index.Upsert(ctx, store.SummaryCollection(p.UserID), []store.Record{record}); err != nil {
		return failed, fmt.Errorf("failed to store summary of %s: %w", p.FileName, err)
	}
	return failed, nil
}
