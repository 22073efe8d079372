package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/ragsync/internal/config"
	"github.com/nickcecere/ragsync/internal/embeddings"
	"github.com/nickcecere/ragsync/internal/extract"
	"github.com/nickcecere/ragsync/internal/fs"
	"github.com/nickcecere/ragsync/internal/ingest"
	"github.com/nickcecere/ragsync/internal/llm"
	"github.com/nickcecere/ragsync/internal/pipeline"
	"github.com/nickcecere/ragsync/internal/queue"
	"github.com/nickcecere/ragsync/internal/store"
)

// runtime holds the open stores and queues of one command.
type runtime struct {
	cfg     *config.Config
	scanner *fs.Scanner
	states  *store.StateStore
	index   *store.Index
	mirror  *store.Mirror
	broker  *queue.Broker

	scans       *queue.Queue[pipeline.ScanRequest]
	extractions *queue.Queue[pipeline.ExtractionRequest]
	ingestions  *queue.Queue[pipeline.IngestionPayload]

	orchestrator *pipeline.Orchestrator
}

// openRuntime opens every database named by cfg. The caller must Close it.
func openRuntime(cfg *config.Config) (*runtime, error) {
	root, err := filepath.Abs(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	scanner, err := fs.NewScanner(root, fs.ScanOptions{IgnorePatterns: cfg.Ignore})
	if err != nil {
		return nil, fmt.Errorf("invalid storage root: %w", err)
	}

	r := &runtime{cfg: cfg, scanner: scanner}

	if r.states, err = store.NewStateStore(cfg.Database.StatePath); err != nil {
		return nil, r.fail(fmt.Errorf("failed to open state database: %w", err))
	}
	if r.index, err = store.NewIndex(cfg.Database.IndexPath); err != nil {
		return nil, r.fail(fmt.Errorf("failed to open index database: %w", err))
	}
	if r.mirror, err = store.NewMirror(cfg.Database.MirrorPath); err != nil {
		return nil, r.fail(fmt.Errorf("failed to open mirror database: %w", err))
	}
	if r.broker, err = queue.Open(cfg.Database.QueuePath); err != nil {
		return nil, r.fail(fmt.Errorf("failed to open queue database: %w", err))
	}

	opts := queue.Options{
		MaxRetries:   cfg.Retry.MaxRetries,
		RetryDelay:   cfg.Retry.Delay,
		Lease:        cfg.Retry.Lease,
		PollInterval: cfg.Workers.PollInterval,
	}
	extractionOpts := opts
	extractionOpts.MaxRetries = cfg.Extraction.MaxRetries

	r.scans = queue.New[pipeline.ScanRequest](r.broker, pipeline.ScanQueue, opts)
	r.extractions = queue.New[pipeline.ExtractionRequest](r.broker, pipeline.ExtractionQueue, extractionOpts)
	r.ingestions = queue.New[pipeline.IngestionPayload](r.broker, pipeline.IngestionQueue, opts)
	r.orchestrator = pipeline.NewOrchestrator(scanner, r.states, r.scans, r.extractions, r.ingestions)

	return r, nil
}

func (r *runtime) fail(err error) error {
	if cerr := r.Close(); cerr != nil {
		log.Debug("Failed to close after open error", "error", cerr)
	}
	return err
}

// Close closes every open database.
func (r *runtime) Close() error {
	var errs []error
	if r.broker != nil {
		errs = append(errs, r.broker.Close())
	}
	if r.mirror != nil {
		errs = append(errs, r.mirror.Close())
	}
	if r.index != nil {
		errs = append(errs, r.index.Close())
	}
	if r.states != nil {
		errs = append(errs, r.states.Close())
	}
	return errors.Join(errs...)
}

// extractionStage builds the extraction stage handler.
func (r *runtime) extractionStage() *pipeline.ExtractionStage {
	extractor := extract.NewTextExtractor(r.cfg.Extraction.MaxFileSize)
	return pipeline.NewExtractionStage(r.states, extractor, r.ingestions)
}

// ingester builds the ingestion stage with the configured embedding and
// language model providers.
func (r *runtime) ingester() (*ingest.Ingester, error) {
	emb, err := embeddings.NewService(r.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding service: %w", err)
	}
	if dims := r.index.Dimensions(); dims != 0 && dims != emb.Dimensions() {
		log.Warn("Embedding model dimensions differ from the index",
			"model", emb.ModelName(), "model_dimensions", emb.Dimensions(), "index_dimensions", dims)
	}

	svc, err := llm.NewService(r.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM service: %w", err)
	}

	splitter := fs.NewSplitter(fs.SplitOptions{
		ChunkSize:    r.cfg.Ingestion.ChunkSize,
		ChunkOverlap: r.cfg.Ingestion.ChunkOverlap,
	})
	summarizer := llm.NewSummarizer(svc, r.cfg.Ingestion.SummaryTokenLimit, splitter, llm.OptionsFromConfig(r.cfg))

	log.Debug("Ingestion services ready",
		"embeddings", emb.Provider(), "embed_model", emb.ModelName(),
		"llm", svc.Provider(), "llm_model", svc.ModelName())

	return ingest.New(r.index, r.mirror, emb, summarizer, splitter,
		ingest.WithConcurrency(r.cfg.Ingestion.EmbedConcurrency),
		ingest.WithBatchSize(r.cfg.Ingestion.EmbedBatchSize)), nil
}

// drain processes every ready task of the three stages, in pipeline order,
// until none is left.
func (r *runtime) drain(ctx context.Context) error {
	ingester, err := r.ingester()
	if err != nil {
		return err
	}
	stage := r.extractionStage()

	for {
		scans, err := r.scans.Drain(ctx, r.orchestrator.HandleScan)
		if err != nil {
			return err
		}
		extractions, err := r.extractions.Drain(ctx, stage.Handle)
		if err != nil {
			return err
		}
		ingestions, err := r.ingestions.Drain(ctx, ingester.Handle)
		if err != nil {
			return err
		}

		log.Debug("Drained", "scans", scans, "extractions", extractions, "ingestions", ingestions)
		if scans+extractions+ingestions == 0 {
			return nil
		}
	}
}
