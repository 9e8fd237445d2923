package processor

import (
	"context"

	"story-filter/internal/story_filter/classifier"
	"story-filter/internal/story_filter/media"
	"story-filter/internal/story_filter/model"
)

// CandidateSource returns the newest raw story documents, newest first.
type CandidateSource interface {
	RecentCandidates(ctx context.Context, limit int) ([]map[string]any, error)
}

// RelevantStore is the curated output, unique by media_id.
type RelevantStore interface {
	Exists(ctx context.Context, mediaID string) (bool, error)
	Upsert(ctx context.Context, story model.RelevantStory) error
}

// StatusWriter records the processing envelope on the raw record.
type StatusWriter interface {
	SetStatus(ctx context.Context, mediaID string, p model.Processing) error
}

// Classifier is satisfied by *classifier.Client.
type Classifier interface {
	Classify(ctx context.Context, req classifier.Request) classifier.Result
	Model() string
}

// ImageResolver is satisfied by *media.Resolver.
type ImageResolver interface {
	Resolve(ctx context.Context, ref string) (media.Image, bool)
	ForceInline(ctx context.Context, ref string) (media.Image, bool)
	Discover(ctx context.Context, permalink string) (string, bool)
}
