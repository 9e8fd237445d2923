package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"go.uber.org/zap/zaptest"

	"story-filter/internal/story_filter/classifier"
	"story-filter/internal/story_filter/media"
	"story-filter/internal/story_filter/model"
	"story-filter/internal/story_filter/signals"
)

type fakeSource struct {
	rows []map[string]any
	err  error
}

func (f *fakeSource) RecentCandidates(_ context.Context, limit int) ([]map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.rows) > limit {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

type fakeStore struct {
	mu        sync.Mutex
	relevant  map[string]model.RelevantStory
	statuses  map[string][]model.Processing
	upsertErr error
	existsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		relevant: map[string]model.RelevantStory{},
		statuses: map[string][]model.Processing{},
	}
}

func (f *fakeStore) Exists(_ context.Context, mediaID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.relevant[mediaID]
	return ok, nil
}

func (f *fakeStore) Upsert(_ context.Context, story model.RelevantStory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.relevant[story.MediaID] = story
	return nil
}

func (f *fakeStore) SetStatus(_ context.Context, mediaID string, p model.Processing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[mediaID] = append(f.statuses[mediaID], p)
	return nil
}

func (f *fakeStore) last(mediaID string) (model.Processing, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.statuses[mediaID]
	if len(s) == 0 {
		return model.Processing{}, false
	}
	return s[len(s)-1], true
}

type fakeClassifier struct {
	calls   []classifier.Request
	decide  func(req classifier.Request, call int) classifier.Result
	byMedia map[string]int
}

func (f *fakeClassifier) Classify(_ context.Context, req classifier.Request) classifier.Result {
	f.calls = append(f.calls, req)
	if f.byMedia == nil {
		f.byMedia = map[string]int{}
	}
	f.byMedia[req.Candidate.MediaID]++
	return f.decide(req, f.byMedia[req.Candidate.MediaID])
}

func (f *fakeClassifier) Model() string { return "test-model" }

type fakeMedia struct {
	inline     bool
	discovered string
	forced     int
}

func (f *fakeMedia) Resolve(_ context.Context, ref string) (media.Image, bool) {
	if ref == "" {
		return media.Image{}, false
	}
	return media.Image{URL: ref}, true
}

func (f *fakeMedia) ForceInline(_ context.Context, ref string) (media.Image, bool) {
	f.forced++
	if !f.inline {
		return media.Image{}, false
	}
	return media.Image{URL: "data:image/jpeg;base64,AAAA", Inlined: true}, true
}

func (f *fakeMedia) Discover(_ context.Context, _ string) (string, bool) {
	if f.discovered == "" {
		return "", false
	}
	return f.discovered, true
}

func okResult(d model.Decision) classifier.Result {
	return classifier.Result{Outcome: classifier.OK, Decision: d, Attempts: 1}
}

func relevantDecision() model.Decision {
	return model.Decision{IsRelevant: true, Brand: "Glow", Coupon: "GLOW15", URL: "https://glow.com"}
}

func rawStory(id string) map[string]any {
	return map[string]any{
		"media_id":     id,
		"username":     "creator",
		"caption_text": "#ad code GLOW15 https://glow.com",
		"image_url":    "https://images.example.org/" + id + ".jpg",
	}
}

func newTestPipeline(t *testing.T, rows []map[string]any, store *fakeStore, cls *fakeClassifier, res *fakeMedia) *Pipeline {
	t.Helper()
	p := NewPipeline(zaptest.NewLogger(t), &fakeSource{rows: rows}, store, store, cls, res, Config{BatchSize: 50})
	p.newRunID = func() string { return "run-1" }
	return p
}

func TestRunBatchPersistsRelevantStory(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cls := &fakeClassifier{decide: func(classifier.Request, int) classifier.Result { return okResult(relevantDecision()) }}
	p := newTestPipeline(t, []map[string]any{rawStory("m1")}, store, cls, &fakeMedia{})

	sum, err := p.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if sum.OK != 1 || sum.Total != 1 || sum.RunID != "run-1" {
		t.Fatalf("unexpected summary %+v", sum)
	}

	got := store.relevant["m1"]
	if got.Brand != "Glow" || got.CouponCode != "GLOW15" || got.Source != SourceName || got.Model != "test-model" {
		t.Fatalf("unexpected relevant story %+v", got)
	}
	st, _ := store.last("m1")
	if st.Status != model.StatusOK || st.Detail.Decision != model.DecisionRelevant || st.LastError != nil {
		t.Fatalf("unexpected status %+v", st)
	}
	if cls.calls[0].Image == nil || cls.calls[0].Image.URL != "https://images.example.org/m1.jpg" {
		t.Fatalf("image should be passed to the classifier")
	}
}

func TestRunBatchIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cls := &fakeClassifier{decide: func(classifier.Request, int) classifier.Result { return okResult(relevantDecision()) }}
	rows := []map[string]any{rawStory("m1")}

	if _, err := newTestPipeline(t, rows, store, cls, &fakeMedia{}).RunBatch(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	sum, err := newTestPipeline(t, rows, store, cls, &fakeMedia{}).RunBatch(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(cls.calls) != 1 {
		t.Fatalf("classifier must not be called for an already relevant record, got %d calls", len(cls.calls))
	}
	if sum.Skipped != 1 || len(store.relevant) != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	st, _ := store.last("m1")
	if st.Status != model.StatusSkipped || st.Detail.Reason != model.ReasonAlreadyProcessed {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRunBatchEveryRecordGetsExactlyOneStatus(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.relevant["dup"] = model.RelevantStory{MediaID: "dup"}

	rows := []map[string]any{
		rawStory("dup"),
		rawStory("good"),
		rawStory("reject"),
		rawStory("nosignal"),
		rawStory("noresult"),
		rawStory("fatal"),
		rawStory("exhausted"),
		{"media_id": "bare", "caption_text": "just text"},
		{"media_id": "quiet", "image_url": "https://images.example.org/q.jpg"},
	}

	cls := &fakeClassifier{decide: func(req classifier.Request, _ int) classifier.Result {
		switch req.Candidate.MediaID {
		case "good":
			return okResult(relevantDecision())
		case "reject":
			return okResult(model.Decision{IsRelevant: false})
		case "nosignal":
			return okResult(model.Decision{IsRelevant: true, Brand: "Vague"})
		case "noresult":
			return classifier.Result{Outcome: classifier.NoResult, Err: eris.Wrap(classifier.ErrNoResult, "x"), Attempts: 1}
		case "fatal":
			return classifier.Result{Outcome: classifier.Fatal, Err: eris.New("classifier returned 401: bad key"), Attempts: 1}
		default:
			return classifier.Result{Outcome: classifier.RetryExhausted, Err: classifier.ErrRetryExhausted, Attempts: 6}
		}
	}}

	rows[3]["caption_text"] = "loving this new serum"
	p := newTestPipeline(t, rows, store, cls, &fakeMedia{})
	sum, err := p.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	want := map[string]model.Status{
		"dup":       model.StatusSkipped,
		"good":      model.StatusOK,
		"reject":    model.StatusNonRelevant,
		"nosignal":  model.StatusNonRelevant,
		"noresult":  model.StatusError,
		"fatal":     model.StatusError,
		"exhausted": model.StatusError,
		"bare":      model.StatusSkipped,
		"quiet":     model.StatusSkipped,
	}
	for id, status := range want {
		if n := len(store.statuses[id]); n != 1 {
			t.Fatalf("%s: want exactly one status write, got %d", id, n)
		}
		if got := store.statuses[id][0].Status; got != status {
			t.Fatalf("%s: want %s, got %s", id, status, got)
		}
	}

	if sum.Total != 9 || sum.OK != 1 || sum.Skipped != 3 || sum.NonRelevant != 2 || sum.Error != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if _, ok := store.relevant["nosignal"]; ok {
		t.Fatalf("a positive without redeemable signal must not be persisted")
	}

	if st, _ := store.last("reject"); st.Detail.Decision != model.DecisionModelRejected {
		t.Fatalf("unexpected reject detail %+v", st.Detail)
	}
	if st, _ := store.last("nosignal"); st.Detail.Decision != model.DecisionNoRedeemableSignal {
		t.Fatalf("unexpected nosignal detail %+v", st.Detail)
	}
	if st, _ := store.last("noresult"); st.LastError == nil || *st.LastError != model.ErrNoResultFromModel {
		t.Fatalf("unexpected noresult status %+v", st)
	}
	if st, _ := store.last("fatal"); st.LastError == nil || !strings.Contains(*st.LastError, "401") {
		t.Fatalf("fatal status should carry the cause %+v", st)
	}
	if st, _ := store.last("bare"); st.Detail.Reason != model.ReasonNoMediaOrText {
		t.Fatalf("unexpected bare detail %+v", st.Detail)
	}
	for _, call := range cls.calls {
		if call.Candidate.MediaID == "dup" || call.Candidate.MediaID == "bare" || call.Candidate.MediaID == "quiet" {
			t.Fatalf("classifier must not be called for %s", call.Candidate.MediaID)
		}
	}
}

func TestRunBatchImageRejectedRetriesInlined(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	res := &fakeMedia{inline: true}
	cls := &fakeClassifier{decide: func(req classifier.Request, call int) classifier.Result {
		if call == 1 {
			return classifier.Result{Outcome: classifier.ImageRejected, Err: eris.New("image rejected"), Attempts: 1}
		}
		if req.Image == nil || !req.Image.Inlined {
			t.Errorf("second call should carry an inlined image")
		}
		return okResult(relevantDecision())
	}}

	sum, err := newTestPipeline(t, []map[string]any{rawStory("m1")}, store, cls, res).RunBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if sum.OK != 1 || res.forced != 1 || len(cls.calls) != 2 {
		t.Fatalf("unexpected summary %+v forced=%d calls=%d", sum, res.forced, len(cls.calls))
	}
	if st, _ := store.last("m1"); st.Detail.Attempts != 2 {
		t.Fatalf("attempts should add up, got %d", st.Detail.Attempts)
	}
}

func TestRunBatchImageRejectedFallsBackToTextOnly(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cls := &fakeClassifier{decide: func(req classifier.Request, call int) classifier.Result {
		if call == 1 {
			return classifier.Result{Outcome: classifier.ImageRejected, Attempts: 1}
		}
		if req.Image != nil {
			t.Errorf("retry without inlined image should be text-only")
		}
		return okResult(model.Decision{IsRelevant: false})
	}}

	sum, _ := newTestPipeline(t, []map[string]any{rawStory("m1")}, store, cls, &fakeMedia{}).RunBatch(context.Background())
	if sum.NonRelevant != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestRunBatchUpsertFailureIsRecordError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.upsertErr = eris.New("duplicate key")
	cls := &fakeClassifier{decide: func(classifier.Request, int) classifier.Result { return okResult(relevantDecision()) }}

	sum, err := newTestPipeline(t, []map[string]any{rawStory("m1"), rawStory("m2")}, store, cls, &fakeMedia{}).RunBatch(context.Background())
	if err != nil {
		t.Fatalf("record failures must not fail the run: %v", err)
	}
	if sum.Error != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	st, _ := store.last("m1")
	if st.Status != model.StatusError || st.LastError == nil || !strings.HasPrefix(*st.LastError, "insert_relevant_failed: ") {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRunBatchExistsErrorContinues(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.existsErr = eris.New("timeout")
	cls := &fakeClassifier{decide: func(classifier.Request, int) classifier.Result { return okResult(relevantDecision()) }}

	sum, _ := newTestPipeline(t, []map[string]any{rawStory("m1")}, store, cls, &fakeMedia{}).RunBatch(context.Background())
	if sum.OK != 1 || len(cls.calls) != 1 {
		t.Fatalf("lookup failure should be treated as not present, got %+v", sum)
	}
}

func TestRunBatchFetchFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cls := &fakeClassifier{decide: func(classifier.Request, int) classifier.Result { return okResult(relevantDecision()) }}
	p := NewPipeline(zaptest.NewLogger(t), &fakeSource{err: eris.New("connection refused")}, store, store, cls, &fakeMedia{}, Config{})

	if _, err := p.RunBatch(context.Background()); err == nil {
		t.Fatalf("fetch failure must be returned")
	}
	if len(store.statuses) != 0 || len(cls.calls) != 0 {
		t.Fatalf("nothing should be processed")
	}
}

func TestRunBatchMissingMediaID(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cls := &fakeClassifier{decide: func(classifier.Request, int) classifier.Result { return okResult(relevantDecision()) }}
	rows := []map[string]any{{"caption_text": "no id", "image_url": "https://x.org/a.jpg"}}

	sum, _ := newTestPipeline(t, rows, store, cls, &fakeMedia{}).RunBatch(context.Background())
	if sum.Error != 1 || len(store.statuses) != 0 || len(cls.calls) != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestRunBatchPayloadBackfill(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cls := &fakeClassifier{decide: func(classifier.Request, int) classifier.Result { return okResult(relevantDecision()) }}
	rows := []map[string]any{{
		"media_id": "m1",
		"payload":  `{"caption_text": "#ad GLOW15", "image_url": "https://images.example.org/p.jpg", "username": "from_payload"}`,
	}}

	sum, _ := newTestPipeline(t, rows, store, cls, &fakeMedia{}).RunBatch(context.Background())
	if sum.OK != 1 {
		t.Fatalf("payload fields should make the record processable, got %+v", sum)
	}
	if store.relevant["m1"].Username != "from_payload" {
		t.Fatalf("payload username not carried over")
	}
}

func TestRunBatchDiscoversImageFromPermalink(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cls := &fakeClassifier{decide: func(classifier.Request, int) classifier.Result { return okResult(relevantDecision()) }}
	rows := []map[string]any{{
		"media_id":     "m1",
		"caption_text": "#ad GLOW15",
		"permalink":    "https://www.instagram.com/stories/creator/1",
	}}
	res := &fakeMedia{discovered: "https://images.example.org/og.jpg"}
	p := NewPipeline(zaptest.NewLogger(t), &fakeSource{rows: rows}, store, store, cls, res, Config{DiscoverFromPermalink: true})

	sum, _ := p.RunBatch(context.Background())
	if sum.OK != 1 || cls.calls[0].Image == nil || cls.calls[0].Image.URL != "https://images.example.org/og.jpg" {
		t.Fatalf("discovered image should be used, got %+v", sum)
	}
}

func TestRunBatchCancelledContext(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cls := &fakeClassifier{decide: func(classifier.Request, int) classifier.Result { return okResult(relevantDecision()) }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestPipeline(t, []map[string]any{rawStory("m1")}, store, cls, &fakeMedia{}).RunBatch(ctx)
	if err == nil {
		t.Fatalf("cancelled run should return an error")
	}
}

func TestAccept(t *testing.T) {
	t.Parallel()

	brand := signals.Hints{BrandURLPresent: true, BrandURLs: []string{"https://glow.com"}}
	cases := []struct {
		name string
		d    model.Decision
		h    signals.Hints
		ok   bool
		tag  string
	}{
		{"model negative", model.Decision{IsRelevant: false, Coupon: "X"}, brand, false, model.DecisionModelRejected},
		{"coupon", model.Decision{IsRelevant: true, Coupon: "SAVE20"}, signals.Hints{}, true, model.DecisionRelevant},
		{"coupon_code alias", model.Decision{IsRelevant: true, CouponCode: "SAVE20"}, signals.Hints{}, true, model.DecisionRelevant},
		{"url", model.Decision{IsRelevant: true, URL: "https://glow.com"}, signals.Hints{}, true, model.DecisionRelevant},
		{"local brand url", model.Decision{IsRelevant: true}, brand, true, model.DecisionRelevant},
		{"local coupon", model.Decision{IsRelevant: true}, signals.Hints{CouponCodes: []string{"GLOW15"}}, true, model.DecisionRelevant},
		{"local coupon without verdict", model.Decision{}, signals.Hints{CouponCodes: []string{"GLOW15"}}, false, model.DecisionModelRejected},
		{"nothing redeemable", model.Decision{IsRelevant: true, Brand: "Glow"}, signals.Hints{}, false, model.DecisionNoRedeemableSignal},
	}
	for _, tc := range cases {
		ok, tag := Accept(tc.d, tc.h)
		if ok != tc.ok || tag != tc.tag {
			t.Fatalf("%s: want (%v, %s), got (%v, %s)", tc.name, tc.ok, tc.tag, ok, tag)
		}
	}

	story := BuildRelevant(model.Candidate{MediaID: "m1", ImageURL: "data:image/png;base64,AA"}, model.Decision{IsRelevant: true}, brand, "r", "m")
	if story.URL != "https://glow.com" || story.ImageURL != "" {
		t.Fatalf("unexpected relevant story %+v", story)
	}

	story = BuildRelevant(model.Candidate{MediaID: "m2"}, model.Decision{IsRelevant: true}, signals.Hints{CouponCodes: []string{"GLOW15"}}, "r", "m")
	if story.CouponCode != "GLOW15" {
		t.Fatalf("local coupon should fill coupon_code, got %q", story.CouponCode)
	}
}

func TestRunBatchDecisionWithoutVerdictIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": `{"relevant": true, "coupon": "SAVE20"}`}}},
		})
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	cls := classifier.NewClient(zaptest.NewLogger(t), srv.Client(), nil, classifier.Config{URL: srv.URL, APIKey: "k"})
	store := newFakeStore()
	p := NewPipeline(zaptest.NewLogger(t), &fakeSource{rows: []map[string]any{rawStory("m1")}}, store, store, cls, &fakeMedia{}, Config{})

	sum, err := p.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Error != 1 || sum.NonRelevant != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	st, _ := store.last("m1")
	if st.Status != model.StatusError || st.LastError == nil || *st.LastError != model.ErrNoResultFromModel {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(store.relevant) != 0 {
		t.Fatalf("nothing should be persisted")
	}
}
