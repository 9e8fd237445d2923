package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"story-filter/internal/story_filter/model"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var relevantColumns = []string{
	"media_id", "user_id", "username", "type", "taken_at_iso", "permalink", "image_url",
	"brand", "name", "coupon_code", "url", "description", "evidence", "brand_urls",
	"source", "model", "run_id", "updated_at",
}

// PGStore serves the same ports as Stores over the raw_story / relevant_story tables.
type PGStore struct {
	Pool *pgxpool.Pool
}

// OpenPostgres connects a small pool; viaBouncer switches to the simple protocol for PgBouncer.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, viaBouncer bool) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "parse PG_DSN")
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = maxConns
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping postgres")
	}
	return &PGStore{Pool: pool}, nil
}

func (s *PGStore) Close() { s.Pool.Close() }

func (s *PGStore) RecentCandidates(ctx context.Context, limit int) ([]map[string]any, error) {
	query, args, err := psql.
		Select("row_to_json(r)::text").
		From(RawStoryColl + " r").
		OrderBy("r.taken_at_iso DESC NULLS LAST").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "build raw_story query")
	}

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "query raw_story")
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "scan raw_story row")
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			return nil, eris.Wrap(err, "decode raw_story row")
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate raw_story")
	}
	return out, nil
}

func (s *PGStore) Exists(ctx context.Context, mediaID string) (bool, error) {
	query, args, err := psql.
		Select("1").
		From(RelevantStoryColl).
		Where(sq.Eq{"media_id": mediaID}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, eris.Wrap(err, "build relevant lookup")
	}
	var one int
	err = s.Pool.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "lookup relevant %s", mediaID)
	}
	return true, nil
}

// Upsert relies on the unique index on relevant_story.media_id.
func (s *PGStore) Upsert(ctx context.Context, story model.RelevantStory) error {
	evidence, err := json.Marshal(story.Evidence)
	if err != nil {
		return eris.Wrap(err, "marshal evidence")
	}
	brandURLs := story.BrandURLs
	if brandURLs == nil {
		brandURLs = []string{}
	}

	var takenAt any
	if !story.TakenAt.IsZero() {
		takenAt = story.TakenAt
	}

	suffix := "ON CONFLICT (media_id) DO UPDATE SET "
	for i, col := range relevantColumns[1:] {
		if i > 0 {
			suffix += ", "
		}
		suffix += col + " = EXCLUDED." + col
	}

	query, args, err := psql.
		Insert(RelevantStoryColl).
		Columns(relevantColumns...).
		Values(
			story.MediaID, story.UserID, story.Username, story.Type, takenAt, story.Permalink, story.ImageURL,
			story.Brand, story.Name, story.CouponCode, story.URL, story.Description, string(evidence), brandURLs,
			story.Source, story.Model, story.RunID, story.UpdatedAt,
		).
		Suffix(suffix).
		ToSql()
	if err != nil {
		return eris.Wrap(err, "build relevant upsert")
	}
	if _, err := s.Pool.Exec(ctx, query, args...); err != nil {
		return eris.Wrapf(err, "upsert relevant %s", story.MediaID)
	}
	return nil
}

func (s *PGStore) SetStatus(ctx context.Context, mediaID string, p model.Processing) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "marshal processing")
	}
	query, args, err := psql.
		Update(RawStoryColl).
		Set("processing", sq.Expr("?::jsonb", string(payload))).
		Where(sq.Eq{"media_id": mediaID}).
		ToSql()
	if err != nil {
		return eris.Wrap(err, "build processing update")
	}
	tag, err := s.Pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "set processing for %s", mediaID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("no raw_story row with media_id %s", mediaID)
	}
	return nil
}

func (s *PGStore) ListRelevant(ctx context.Context, limit int) ([]model.RelevantStory, error) {
	query, args, err := psql.
		Select("row_to_json(r)::text").
		From(RelevantStoryColl + " r").
		OrderBy("r.updated_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "build relevant list")
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "query relevant_story")
	}
	defer rows.Close()

	out := []model.RelevantStory{}
	for rows.Next() {
		story, err := scanRelevant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, story)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate relevant_story")
	}
	return out, nil
}

func (s *PGStore) GetRelevant(ctx context.Context, mediaID string) (model.RelevantStory, bool, error) {
	query, args, err := psql.
		Select("row_to_json(r)::text").
		From(RelevantStoryColl + " r").
		Where(sq.Eq{"r.media_id": mediaID}).
		Limit(1).
		ToSql()
	if err != nil {
		return model.RelevantStory{}, false, eris.Wrap(err, "build relevant get")
	}
	story, err := scanRelevant(s.Pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RelevantStory{}, false, nil
	}
	if err != nil {
		return model.RelevantStory{}, false, err
	}
	return story, true, nil
}

func scanRelevant(row pgx.Row) (model.RelevantStory, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RelevantStory{}, err
		}
		return model.RelevantStory{}, eris.Wrap(err, "scan relevant_story row")
	}
	var story model.RelevantStory
	if err := json.Unmarshal([]byte(raw), &story); err != nil {
		return model.RelevantStory{}, eris.Wrap(err, "decode relevant_story row")
	}
	return story, nil
}
