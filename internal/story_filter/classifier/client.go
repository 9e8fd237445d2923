// Package classifier talks to an OpenAI-compatible chat-completions endpoint and turns its
// reply into a model.Decision, retrying transient failures with backoff.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"story-filter/internal/story_filter/model"
)

var (
	ErrRetryExhausted = eris.New("classifier retries exhausted")
	ErrNoResult       = eris.New("no result from model")
)

// Outcome is the closed set of classification results.
type Outcome int

const (
	OK Outcome = iota
	NoResult
	RetryExhausted
	Fatal
	ImageRejected
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case NoResult:
		return "no_result"
	case RetryExhausted:
		return "retry_exhausted"
	case Fatal:
		return "fatal"
	case ImageRejected:
		return "image_rejected"
	default:
		return "unknown"
	}
}

// Result carries the decision on OK and the cause otherwise.
type Result struct {
	Outcome  Outcome
	Decision model.Decision
	Err      error
	Attempts int
}

// Config of the remote endpoint and the retry table.
type Config struct {
	URL            string
	APIKey         string
	Model          string
	MaxTokens      int
	RequestTimeout time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	TimeoutSleep   time.Duration
	MaxRetryAfter  time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:            "https://api.openai.com/v1/chat/completions",
		Model:          "gpt-4o-mini",
		MaxTokens:      400,
		RequestTimeout: 60 * time.Second,
		MaxAttempts:    6,
		BaseBackoff:    1500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		TimeoutSleep:   2 * time.Second,
		MaxRetryAfter:  60 * time.Second,
	}
}

const maxResponseBytes = 4 << 20

// Client is safe for sequential use; concurrent callers share the limiter.
type Client struct {
	Log        *zap.Logger
	HTTPClient *http.Client
	Limiter    RateLimiter
	// Sleep and Jitter are replaced in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64

	cfg Config
}

// NewClient fills zero config values with defaults.
func NewClient(log *zap.Logger, httpClient *http.Client, limiter RateLimiter, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.TimeoutSleep <= 0 {
		cfg.TimeoutSleep = def.TimeoutSleep
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = def.MaxRetryAfter
	}
	if log == nil {
		log = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if limiter == nil {
		limiter = NewMinInterval(0)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Client{
		Log:        log,
		HTTPClient: httpClient,
		Limiter:    limiter,
		Sleep:      sleepContext,
		Jitter:     rng.Float64,
		cfg:        cfg,
	}
}

// Model returns the configured model name, recorded with every decision.
func (c *Client) Model() string { return c.cfg.Model }

// Classify runs one request through the retry table.
func (c *Client) Classify(ctx context.Context, req Request) Result {
	body, err := c.buildBody(req)
	if err != nil {
		return Result{Outcome: Fatal, Err: err}
	}

	mediaID := req.Candidate.MediaID
	backoff := c.cfg.BaseBackoff

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.Limiter.Wait(ctx); err != nil {
			return Result{Outcome: Fatal, Err: eris.Wrap(err, "rate limiter"), Attempts: attempt}
		}

		status, header, respBody, err := c.post(ctx, body)
		if err != nil {
			if ctx.Err() != nil || !isTimeout(err) {
				return Result{Outcome: Fatal, Err: eris.Wrap(err, "classifier request"), Attempts: attempt}
			}
			c.Log.Warn("Classifier request timed out",
				zap.String("mediaID", mediaID),
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", c.cfg.MaxAttempts),
				zap.Duration("delay", c.cfg.TimeoutSleep),
			)
			if res, stop := c.pause(ctx, attempt, c.cfg.TimeoutSleep); stop {
				return res
			}
			continue
		}

		switch {
		case status == http.StatusOK:
			return c.decode(respBody, mediaID, attempt)

		case status == http.StatusTooManyRequests:
			delay, ok := retryAfter(header, c.cfg.MaxRetryAfter)
			if !ok {
				delay = c.jittered(backoff)
				backoff = c.next(backoff)
			}
			c.Log.Warn("Classifier rate-limited",
				zap.String("mediaID", mediaID),
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", c.cfg.MaxAttempts),
				zap.Duration("delay", delay),
			)
			if res, stop := c.pause(ctx, attempt, delay); stop {
				return res
			}

		case status >= 500:
			delay := c.jittered(backoff)
			backoff = c.next(backoff)
			c.Log.Warn("Classifier server error",
				zap.String("mediaID", mediaID),
				zap.Int("status", status),
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", c.cfg.MaxAttempts),
				zap.Duration("delay", delay),
			)
			if res, stop := c.pause(ctx, attempt, delay); stop {
				return res
			}

		case status == http.StatusBadRequest && req.Image != nil && !req.Image.Inlined && isInvalidImage(respBody):
			c.Log.Info("Classifier could not fetch image reference",
				zap.String("mediaID", mediaID),
				zap.Int("attempt", attempt),
			)
			return Result{
				Outcome:  ImageRejected,
				Err:      eris.Errorf("image rejected: %s", snippet(string(respBody), 300)),
				Attempts: attempt,
			}

		default:
			return Result{
				Outcome:  Fatal,
				Err:      eris.Errorf("classifier returned %d: %s", status, snippet(string(respBody), 300)),
				Attempts: attempt,
			}
		}
	}

	c.Log.Error("Classifier retries exhausted",
		zap.String("mediaID", mediaID),
		zap.Int("maxAttempts", c.cfg.MaxAttempts),
	)
	return Result{
		Outcome:  RetryExhausted,
		Err:      eris.Wrapf(ErrRetryExhausted, "after %d attempts", c.cfg.MaxAttempts),
		Attempts: c.cfg.MaxAttempts,
	}
}

func (c *Client) post(ctx context.Context, body []byte) (int, http.Header, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, eris.Wrap(err, "build classifier request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	// transport errors stay unwrapped so the caller can tell timeouts apart
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.Log.Warn("Failed to close response body", zap.Error(err))
		}
	}(resp.Body)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, eris.Wrap(err, "read classifier response")
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

func (c *Client) decode(body []byte, mediaID string, attempt int) Result {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		c.Log.Warn("Classifier response has no choices",
			zap.String("mediaID", mediaID),
			zap.String("body", snippet(string(body), 250)),
		)
		return Result{Outcome: NoResult, Err: eris.Wrap(ErrNoResult, "no choices in response"), Attempts: attempt}
	}

	content := resp.Choices[0].Message.Content
	d, err := ParseDecision(content)
	if err != nil {
		c.Log.Warn("JSON parse error from model",
			zap.String("mediaID", mediaID),
			zap.String("content", snippet(content, 250)),
		)
		return Result{Outcome: NoResult, Err: err, Attempts: attempt}
	}
	return Result{Outcome: OK, Decision: d, Attempts: attempt}
}

// pause sleeps between attempts; nothing to wait for after the last one.
func (c *Client) pause(ctx context.Context, attempt int, d time.Duration) (Result, bool) {
	if attempt >= c.cfg.MaxAttempts {
		return Result{}, false
	}
	if err := c.Sleep(ctx, d); err != nil {
		return Result{Outcome: Fatal, Err: eris.Wrap(err, "interrupted while backing off"), Attempts: attempt}, true
	}
	return Result{}, false
}

func (c *Client) jittered(backoff time.Duration) time.Duration {
	return backoff + time.Duration(c.Jitter()*0.4*float64(backoff))
}

func (c *Client) next(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return backoff
}

// retryAfter reads retry-after-ms, then Retry-After (seconds or HTTP date). An unreadable
// header is ignored in favour of the next one.
func retryAfter(h http.Header, ceiling time.Duration) (time.Duration, bool) {
	d, ok := retryAfterMS(h.Get("retry-after-ms"))
	if !ok {
		d, ok = retryAfterValue(h.Get("Retry-After"))
	}
	if !ok {
		return 0, false
	}
	if d > ceiling {
		d = ceiling
	}
	return d, true
}

func retryAfterMS(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	ms, err := strconv.ParseFloat(v, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

func retryAfterValue(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	if d := time.Until(at); d > 0 {
		return d, true
	}
	return 0, true
}

var imageErrorCodes = map[string]struct{}{
	"invalid_image_url":    {},
	"invalid_image":        {},
	"image_parse_error":    {},
	"invalid_image_format": {},
}

func isInvalidImage(body []byte) bool {
	var payload struct {
		Error struct {
			Code    any    `json:"code"`
			Message string `json:"message"`
			Param   string `json:"param"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.Contains(strings.ToLower(string(body)), "image")
	}
	if code, ok := payload.Error.Code.(string); ok {
		if _, hit := imageErrorCodes[code]; hit {
			return true
		}
	}
	msg := strings.ToLower(payload.Error.Message + " " + payload.Error.Param)
	return strings.Contains(msg, "image")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
