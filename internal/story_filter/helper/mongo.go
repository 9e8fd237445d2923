package helper

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"story-filter/internal/story_filter/model"
)

const (
	RawStoryColl      = "raw_story"
	RelevantStoryColl = "relevant_story"
)

// MongoOptions selects the deployment; URI wins over Host when both are set.
type MongoOptions struct {
	URI        string
	Host       string
	DBName     string
	Username   string
	Password   string
	AuthSource string
}

// Stores holds the raw input collection and the curated output collection.
type Stores struct {
	Log      *zap.Logger
	Client   *mongo.Client
	DB       *mongo.Database
	Raw      *mongo.Collection // raw_story: scraped stories plus the processing envelope
	Relevant *mongo.Collection // relevant_story: unique by media_id
}

func ConnectMongo(ctx context.Context, log *zap.Logger, opts MongoOptions) (*Stores, error) {
	if log == nil {
		log = zap.NewNop()
	}
	uri := opts.URI
	if uri == "" {
		uri = "mongodb://" + opts.Host
	}
	clientOpts := options.Client().ApplyURI(uri)
	if opts.Username != "" {
		clientOpts.SetAuth(options.Credential{
			Username:   opts.Username,
			Password:   opts.Password,
			AuthSource: opts.AuthSource,
		})
	}

	cli, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, eris.Wrap(err, "connect mongo")
	}
	if err = cli.Ping(ctx, nil); err != nil {
		return nil, eris.Wrap(err, "ping mongo")
	}

	db := cli.Database(opts.DBName)
	s := &Stores{
		Log:      log,
		Client:   cli,
		DB:       db,
		Raw:      db.Collection(RawStoryColl),
		Relevant: db.Collection(RelevantStoryColl),
	}
	if err := ensureIndexes(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func ensureIndexes(ctx context.Context, s *Stores) error {
	// raw_story is owned by the ingester; missing indexes only slow the batch query
	_, err := s.Raw.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "media_id", Value: 1}}},
		{Keys: bson.D{{Key: "taken_at_iso", Value: -1}}},
		{Keys: bson.D{{Key: "processing.status", Value: 1}}},
	})
	if err != nil {
		s.Log.Warn("Failed to ensure raw_story indexes", zap.String("collection", RawStoryColl), zap.Error(err))
	}
	// the unique key backs idempotent upserts, so its failure is fatal
	_, err = s.Relevant.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "media_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return eris.Wrap(err, "ensure relevant_story indexes")
	}
	return nil
}

func (s *Stores) Close(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}

// RecentCandidates returns raw documents newest first. Nested documents come back as bson.D.
func (s *Stores) RecentCandidates(ctx context.Context, limit int) ([]map[string]any, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "taken_at_iso", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.Raw.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, eris.Wrap(err, "query raw_story")
	}
	defer func(cur *mongo.Cursor, ctx context.Context) {
		_ = cur.Close(ctx)
	}(cur, ctx)

	var out []map[string]any
	for cur.Next(ctx) {
		var doc map[string]any
		if err := cur.Decode(&doc); err != nil {
			return nil, eris.Wrap(err, "decode raw_story document")
		}
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate raw_story")
	}
	return out, nil
}

func (s *Stores) Exists(ctx context.Context, mediaID string) (bool, error) {
	n, err := s.Relevant.CountDocuments(ctx, bson.M{"media_id": mediaID}, options.Count().SetLimit(1))
	if err != nil {
		return false, eris.Wrapf(err, "lookup relevant %s", mediaID)
	}
	return n > 0, nil
}

// Upsert overwrites the curated record for story.MediaID.
func (s *Stores) Upsert(ctx context.Context, story model.RelevantStory) error {
	filter := bson.M{"media_id": story.MediaID}
	update := bson.M{
		"$set":         story,
		"$setOnInsert": bson.M{"created_at": time.Now().UTC()},
	}
	_, err := s.Relevant.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return eris.Wrapf(err, "upsert relevant %s", story.MediaID)
	}
	return nil
}

func (s *Stores) SetStatus(ctx context.Context, mediaID string, p model.Processing) error {
	filter := bson.M{"media_id": mediaID}
	update := bson.M{"$set": bson.M{"processing": p}}

	res, err := s.Raw.UpdateMany(ctx, filter, update)
	if err != nil {
		return eris.Wrapf(err, "set processing for %s", mediaID)
	}
	if res.MatchedCount == 0 {
		return eris.Errorf("no raw_story document with media_id %s", mediaID)
	}
	return nil
}

func (s *Stores) ListRelevant(ctx context.Context, limit int) ([]model.RelevantStory, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.Relevant.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, eris.Wrap(err, "query relevant_story")
	}
	out := []model.RelevantStory{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, eris.Wrap(err, "decode relevant_story")
	}
	return out, nil
}

func (s *Stores) GetRelevant(ctx context.Context, mediaID string) (model.RelevantStory, bool, error) {
	var story model.RelevantStory
	err := s.Relevant.FindOne(ctx, bson.M{"media_id": mediaID}).Decode(&story)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.RelevantStory{}, false, nil
	}
	if err != nil {
		return model.RelevantStory{}, false, eris.Wrapf(err, "get relevant %s", mediaID)
	}
	return story, true, nil
}
