package signals

import "story-filter/internal/story_filter/model"

// Hints are derived per record and sent to the classifier; never persisted as-is.
type Hints struct {
	URLsAll         []string
	BrandURLs       []string
	BrandURLPresent bool
	BrandTokens     []string
	BrandDomains    []string
	MarketingIntent bool
	CouponCodes     []string
}

// Extract computes all hints for a candidate.
func Extract(c model.Candidate) Hints {
	all := CollectURLs(c)
	brand := BrandURLs(all)
	return Hints{
		URLsAll:         all,
		BrandURLs:       brand,
		BrandURLPresent: len(brand) > 0,
		BrandTokens:     BrandTokens(brand),
		BrandDomains:    BrandDomains(brand),
		MarketingIntent: MarketingIntent(c),
		CouponCodes:     CouponCandidates(c),
	}
}
