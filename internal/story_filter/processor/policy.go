package processor

import (
	"strings"
	"time"

	"story-filter/internal/story_filter/model"
	"story-filter/internal/story_filter/signals"
)

// SourceName is stamped on every curated record.
const SourceName = "story_filter"

// Accept applies the relevance rule: the model must call the story a collaboration and
// something redeemable (coupon, url, or a coupon or brand link found locally) must be present.
// The second return value is the decision tag stored with the status.
func Accept(d model.Decision, h signals.Hints) (bool, string) {
	if !d.IsRelevant {
		return false, model.DecisionModelRejected
	}
	if d.CouponValue() == "" && strings.TrimSpace(d.URL) == "" && !h.BrandURLPresent && len(h.CouponCodes) == 0 {
		return false, model.DecisionNoRedeemableSignal
	}
	return true, model.DecisionRelevant
}

// BuildRelevant maps an accepted decision onto the curated record.
func BuildRelevant(c model.Candidate, d model.Decision, h signals.Hints, runID, modelName string) model.RelevantStory {
	url := strings.TrimSpace(d.URL)
	if url == "" && len(h.BrandURLs) > 0 {
		url = h.BrandURLs[0]
	}
	coupon := d.CouponValue()
	if coupon == "" && len(h.CouponCodes) > 0 {
		coupon = h.CouponCodes[0]
	}
	imageURL := c.ImageURL
	if strings.HasPrefix(imageURL, "data:") {
		imageURL = ""
	}
	return model.RelevantStory{
		MediaID:     c.MediaID,
		UserID:      c.UserID,
		Username:    c.Username,
		Type:        c.Type,
		TakenAt:     c.TakenAt,
		Permalink:   c.Permalink,
		ImageURL:    imageURL,
		Brand:       strings.TrimSpace(d.Brand),
		Name:        strings.TrimSpace(d.Name),
		CouponCode:  coupon,
		URL:         url,
		Description: strings.TrimSpace(d.Description),
		Evidence:    d.Evidence,
		BrandURLs:   h.BrandURLs,
		Source:      SourceName,
		Model:       modelName,
		RunID:       runID,
		UpdatedAt:   time.Now().UTC(),
	}
}
