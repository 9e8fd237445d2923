// Package processor runs a batch of raw stories through normalization, signal extraction,
// image preparation and classification, and persists the outcome of every record.
package processor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"story-filter/internal/story_filter/classifier"
	"story-filter/internal/story_filter/model"
	"story-filter/internal/story_filter/normalize"
	"story-filter/internal/story_filter/signals"
)

// Config of one batch run.
type Config struct {
	BatchSize             int
	DiscoverFromPermalink bool
}

// Summary counts records per terminal status.
type Summary struct {
	RunID       string
	Total       int
	OK          int
	Skipped     int
	NonRelevant int
	Error       int
}

func (s *Summary) add(st model.Status) {
	s.Total++
	switch st {
	case model.StatusOK:
		s.OK++
	case model.StatusSkipped:
		s.Skipped++
	case model.StatusNonRelevant:
		s.NonRelevant++
	default:
		s.Error++
	}
}

// Pipeline processes records strictly one after another.
type Pipeline struct {
	Log        *zap.Logger
	Source     CandidateSource
	Relevant   RelevantStore
	Status     StatusWriter
	Classifier Classifier
	Media      ImageResolver

	cfg      Config
	newRunID func() string
}

func NewPipeline(
	log *zap.Logger,
	source CandidateSource,
	relevant RelevantStore,
	status StatusWriter,
	cls Classifier,
	resolver ImageResolver,
	cfg Config,
) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Pipeline{
		Log:        log,
		Source:     source,
		Relevant:   relevant,
		Status:     status,
		Classifier: cls,
		Media:      resolver,
		cfg:        cfg,
		newRunID:   uuid.NewString,
	}
}

// RunBatch fetches one bounded batch and processes it. Only a failed fetch or a cancelled
// context is returned as an error; per-record failures end up in the summary.
func (p *Pipeline) RunBatch(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: p.newRunID()}
	log := p.Log.With(zap.String("runID", sum.RunID))

	rows, err := p.Source.RecentCandidates(ctx, p.cfg.BatchSize)
	if err != nil {
		log.Error("Failed to fetch candidates", zap.Error(err))
		return sum, eris.Wrap(err, "fetch candidates")
	}
	log.Info("Fetched candidates",
		zap.Int("count", len(rows)),
		zap.Int("batchSize", p.cfg.BatchSize),
	)

	for idx, row := range rows {
		if err := ctx.Err(); err != nil {
			log.Warn("Run interrupted", zap.Int("processed", sum.Total), zap.Error(err))
			return sum, eris.Wrap(err, "run interrupted")
		}
		sum.add(p.processRow(ctx, log, sum.RunID, idx+1, len(rows), row))
	}

	log.Info("Batch completed",
		zap.Int("total", sum.Total),
		zap.Int("ok", sum.OK),
		zap.Int("skipped", sum.Skipped),
		zap.Int("nonRelevant", sum.NonRelevant),
		zap.Int("error", sum.Error),
	)
	return sum, nil
}

func (p *Pipeline) processRow(ctx context.Context, log *zap.Logger, runID string, idx, total int, row map[string]any) model.Status {
	c := normalize.Normalize(row)
	if c.MediaID == "" {
		log.Error("Record has no media_id, status cannot be recorded",
			zap.String("mediaID", fmt.Sprintf("row_%d", idx)),
			zap.String("keys", normalize.Describe(row)),
		)
		return model.StatusError
	}

	log = log.With(zap.String("mediaID", c.MediaID))
	log.Debug("Processing record", zap.Int("index", idx), zap.Int("total", total))

	detail := model.Detail{RunID: runID, Model: p.Classifier.Model()}

	exists, err := p.Relevant.Exists(ctx, c.MediaID)
	if err != nil {
		log.Warn("Relevant existence check failed, continuing", zap.Error(err))
	}
	if exists {
		detail.Reason = model.ReasonAlreadyProcessed
		return p.finish(ctx, log, c.MediaID, model.StatusSkipped, "", detail)
	}

	if c.ImageURL == "" && c.Permalink != "" && p.cfg.DiscoverFromPermalink {
		if found, ok := p.Media.Discover(ctx, c.Permalink); ok {
			log.Debug("Image discovered from permalink", zap.String("imageURL", found))
			c.ImageURL = found
		}
	}

	if !c.HasMedia() || !c.HasTextualSignal() {
		detail.Reason = model.ReasonNoMediaOrText
		return p.finish(ctx, log, c.MediaID, model.StatusSkipped, "", detail)
	}

	hints := signals.Extract(c)
	req := classifier.Request{Candidate: c, Hints: hints}
	if c.ImageURL != "" {
		if img, ok := p.Media.Resolve(ctx, c.ImageURL); ok {
			req.Image = &img
		}
	}

	res := p.Classifier.Classify(ctx, req)
	attempts := res.Attempts
	if res.Outcome == classifier.ImageRejected {
		log.Info("Image reference rejected, retrying with inlined image")
		req.Image = nil
		if img, ok := p.Media.ForceInline(ctx, c.ImageURL); ok {
			req.Image = &img
		}
		res = p.Classifier.Classify(ctx, req)
		attempts += res.Attempts
	}
	detail.Attempts = attempts

	switch res.Outcome {
	case classifier.OK:
	case classifier.NoResult:
		log.Warn("No result from model", zap.Error(res.Err))
		return p.finish(ctx, log, c.MediaID, model.StatusError, model.ErrNoResultFromModel, detail)
	default:
		log.Error("Classifier call failed",
			zap.String("outcome", res.Outcome.String()),
			zap.Int("attempts", attempts),
			zap.Error(res.Err),
		)
		msg := res.Outcome.String()
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return p.finish(ctx, log, c.MediaID, model.StatusError, msg, detail)
	}

	accepted, tag := Accept(res.Decision, hints)
	detail.Decision = tag
	if !accepted {
		return p.finish(ctx, log, c.MediaID, model.StatusNonRelevant, "", detail)
	}

	story := BuildRelevant(c, res.Decision, hints, runID, p.Classifier.Model())
	if err := p.Relevant.Upsert(ctx, story); err != nil {
		log.Error("Insert/Upsert relevant failed", zap.Error(err))
		detail.Decision = ""
		return p.finish(ctx, log, c.MediaID, model.StatusError, "insert_relevant_failed: "+err.Error(), detail)
	}
	log.Info("Upserted relevant story",
		zap.String("brand", story.Brand),
		zap.String("couponCode", story.CouponCode),
		zap.String("url", story.URL),
	)
	return p.finish(ctx, log, c.MediaID, model.StatusOK, "", detail)
}

// finish writes the status envelope; a failed write is logged and the status still counts.
func (p *Pipeline) finish(ctx context.Context, log *zap.Logger, mediaID string, st model.Status, lastError string, detail model.Detail) model.Status {
	if err := p.Status.SetStatus(ctx, mediaID, model.NewProcessing(st, lastError, detail)); err != nil {
		log.Warn("Failed to record processing status",
			zap.String("status", string(st)),
			zap.Error(err),
		)
	}
	log.Info("Record processed",
		zap.String("status", string(st)),
		zap.String("reason", detail.Reason),
		zap.String("decision", detail.Decision),
	)
	return st
}
