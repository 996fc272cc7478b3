package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"newsflow/internal/models"
	"newsflow/internal/types"
	"newsflow/pkg/dedup"
	"newsflow/pkg/normalizer"
	"newsflow/pkg/retry"
	"newsflow/pkg/scorer"
)

// Config bounds per-batch parallelism and the persistence retry budget.
type Config struct {
	MaxConcurrent int
	PersistRetry  retry.Policy
}

// Pipeline runs each raw document through normalize, score, dedup and
// persist, producing exactly one terminal result per document. A failure
// on one document never aborts its batch.
type Pipeline struct {
	cfg        Config
	normalizer *normalizer.Normalizer
	scorer     *scorer.Scorer
	dedup      *dedup.Deduplicator
	store      types.DocumentStore
	metrics    types.MetricsSink
	logger     *slog.Logger

	// onResult, when set, observes every terminal result (status server).
	onResult func(models.IngestionResult)

	now func() time.Time
}

// New wires the pipeline stages together.
func New(cfg Config, norm *normalizer.Normalizer, sc *scorer.Scorer, dd *dedup.Deduplicator, store types.DocumentStore, metrics types.MetricsSink, logger *slog.Logger) *Pipeline {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 8
	}
	if cfg.PersistRetry.MaxAttempts == 0 {
		cfg.PersistRetry = retry.DefaultPolicy()
	}
	return &Pipeline{
		cfg:        cfg,
		normalizer: norm,
		scorer:     sc,
		dedup:      dd,
		store:      store,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// OnResult registers an observer called with every terminal result.
func (p *Pipeline) OnResult(fn func(models.IngestionResult)) {
	p.onResult = fn
}

// ProcessBatch runs one batch of raw documents from a single source. The
// returned slice has one result per input, in input order. Workers never
// return errors so one document's failure cannot cancel its siblings.
func (p *Pipeline) ProcessBatch(ctx context.Context, src models.Source, raws []models.RawDocument) []models.IngestionResult {
	results := make([]models.IngestionResult, len(raws))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrent)

	for i, raw := range raws {
		i, raw := i, raw
		g.Go(func() error {
			results[i] = p.processOne(ctx, src, raw)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		p.metrics.Count("pipeline."+string(res.Status), 1)
		p.saveResult(ctx, res)
		if p.onResult != nil {
			p.onResult(res)
		}
	}
	return results
}

// processOne walks a single document through the stage sequence and
// always returns a terminal result.
func (p *Pipeline) processOne(ctx context.Context, src models.Source, raw models.RawDocument) models.IngestionResult {
	started := p.now()

	res := models.IngestionResult{
		ID:       uuid.New().String(),
		SourceID: raw.SourceID,
		URI:      raw.URI,
	}
	finish := func(status models.Status, reason string) models.IngestionResult {
		res.Status = status
		res.Reason = reason
		res.Elapsed = p.now().Sub(started)
		res.CompletedAt = p.now()
		p.metrics.Observe("pipeline.process", res.Elapsed)
		return res
	}

	if err := ctx.Err(); err != nil {
		return finish(models.StatusInterrupted, "shutdown before processing")
	}

	doc, err := p.normalizer.Normalize(raw)
	if err != nil {
		if errors.Is(err, types.ErrMalformedContent) {
			p.logger.Warn("malformed document", "source", raw.SourceID, "uri", raw.URI, "error", err)
			return finish(models.StatusMalformed, err.Error())
		}
		p.logger.Error("normalize failed", "source", raw.SourceID, "uri", raw.URI, "error", err)
		return finish(models.StatusMalformed, err.Error())
	}
	res.ContentHash = doc.ContentHash

	scored := p.scorer.Score(doc, src.TrustWeight)
	res.Score = scored.Score
	res.Quality = models.LevelForScore(scored.Score)
	if !scored.Passed {
		return finish(models.StatusRejectedLowQuality,
			fmt.Sprintf("score %.3f below threshold %.3f", scored.Score, p.scorer.MinScore()))
	}

	decision, err := p.dedup.CheckAndRecord(ctx, doc)
	if err != nil {
		// Only context cancellation escapes the deduplicator.
		return finish(models.StatusInterrupted, "shutdown during duplicate check")
	}
	res.DedupSkipped = decision.Skipped
	if decision.Duplicate {
		return finish(models.StatusRejectedDuplicate, decision.Reason)
	}

	persistErr := p.cfg.PersistRetry.Do(ctx, func(ctx context.Context) error {
		return p.store.Upsert(ctx, scored, decision.Vector)
	})
	if persistErr != nil {
		if ctx.Err() == nil {
			// The only re-delivery path is a future re-fetch; a retained
			// record would classify that re-fetch as a duplicate and the
			// document would never land. Forget so the content stays
			// eligible once the store recovers.
			p.dedup.Forget(doc.ContentHash)
		}
		p.logger.Error("persist failed", "source", raw.SourceID, "hash", doc.ContentHash, "error", persistErr)
		return finish(models.StatusPersistFailed, persistErr.Error())
	}

	return finish(models.StatusAccepted, "")
}

// saveResult writes the audit row best-effort; losing one never fails
// the document it describes.
func (p *Pipeline) saveResult(ctx context.Context, res models.IngestionResult) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.store.SaveResult(saveCtx, res); err != nil {
		p.logger.Warn("save result failed", "id", res.ID, "error", err)
	}
}
