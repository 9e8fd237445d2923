package signals

import (
	"regexp"
	"strings"

	"story-filter/internal/story_filter/model"
)

var couponPattern = regexp.MustCompile(`(?i)(?:קופון|coupon|promo|voucher)(?:\s*code)?\s*[:：]?\s*([A-Za-z0-9_-]{3,20})`)

// CouponCodes returns upper-cased codes introduced by a coupon keyword, first seen first.
func CouponCodes(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range couponPattern.FindAllStringSubmatch(text, -1) {
		code := strings.ToUpper(m[1])
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}

// CouponCandidates scans caption, OCR and sticker text.
func CouponCandidates(c model.Candidate) []string {
	parts := append([]string{c.CaptionText, c.OCRText}, c.StickerTexts()...)
	return CouponCodes(strings.Join(parts, "\n"))
}
