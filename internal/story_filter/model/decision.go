package model

import (
	"strings"
	"time"
)

// Evidence holds verbatim snippets the classifier quoted for each signal.
type Evidence struct {
	Collab []string `bson:"collab" json:"collab"`
	Coupon []string `bson:"coupon" json:"coupon"`
	URL    []string `bson:"url" json:"url"`
}

// Decision is the structured reply of the remote classifier.
type Decision struct {
	IsRelevant  bool     `json:"is_relevant"`
	Brand       string   `json:"brand"`
	Name        string   `json:"name"`
	Coupon      string   `json:"coupon"`
	CouponCode  string   `json:"coupon_code"` // older prompt revision
	URL         string   `json:"url"`
	Description string   `json:"description"`
	Evidence    Evidence `json:"evidence"`
}

// CouponValue returns the coupon regardless of which key the model used.
func (d Decision) CouponValue() string {
	if c := strings.TrimSpace(d.Coupon); c != "" {
		return c
	}
	return strings.TrimSpace(d.CouponCode)
}

// RelevantStory is the curated output record, unique by media_id.
type RelevantStory struct {
	MediaID     string    `bson:"media_id" json:"media_id"`
	UserID      string    `bson:"user_id" json:"user_id"`
	Username    string    `bson:"username" json:"username"`
	Type        string    `bson:"type,omitempty" json:"type,omitempty"`
	TakenAt     time.Time `bson:"taken_at_iso" json:"taken_at_iso"`
	Permalink   string    `bson:"permalink,omitempty" json:"permalink,omitempty"`
	ImageURL    string    `bson:"image_url,omitempty" json:"image_url,omitempty"`
	Brand       string    `bson:"brand" json:"brand"`
	Name        string    `bson:"name,omitempty" json:"name,omitempty"`
	CouponCode  string    `bson:"coupon_code" json:"coupon_code"`
	URL         string    `bson:"url" json:"url"`
	Description string    `bson:"description,omitempty" json:"description,omitempty"`
	Evidence    Evidence  `bson:"evidence" json:"evidence"`
	BrandURLs   []string  `bson:"brand_urls,omitempty" json:"brand_urls,omitempty"`
	Source      string    `bson:"source" json:"source"`
	Model       string    `bson:"model" json:"model"`
	RunID       string    `bson:"run_id" json:"run_id"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}
