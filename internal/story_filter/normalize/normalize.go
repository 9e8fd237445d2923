// Package normalize turns raw story documents of any provenance (MongoDB, Postgres JSON,
// scraped payloads) into typed model.Candidate values.
package normalize

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"story-filter/internal/story_filter/model"
)

// PayloadKey is the nested sub-object used as a fallback source.
const PayloadKey = "payload"

// Normalize decodes doc and backfills its empty fields from the nested payload.
// A payload that cannot be parsed is ignored.
func Normalize(doc map[string]any) model.Candidate {
	c := Decode(doc)
	raw, ok := doc[PayloadKey]
	if !ok || isEmpty(raw) {
		return c
	}
	payload, ok := toMap(raw)
	if !ok {
		return c
	}
	c.FillFrom(Decode(payload))
	return c
}

// Decode maps the known keys of a single document level onto a Candidate.
func Decode(doc map[string]any) model.Candidate {
	c := model.Candidate{
		MediaID:           firstString(doc, "media_id", "pk"),
		UserID:            firstString(doc, "user_id"),
		Username:          firstString(doc, "username"),
		Type:              firstString(doc, "type", "media_type"),
		CaptionText:       captionOf(doc),
		OCRText:           firstString(doc, "ocr_text"),
		Stickers:          stickersOf(doc["stickers"]),
		Hashtags:          stringsOf(doc["hashtags"]),
		Mentions:          stringsOf(doc["mentions"]),
		URLs:              stringsOf(doc["urls"]),
		RawTextCandidates: stringsOf(doc["raw_text_candidates"]),
		ImageURL:          firstString(doc, "image_url", "display_url"),
		VideoURL:          firstString(doc, "video_url"),
		Permalink:         firstString(doc, "permalink"),
		TakenAt:           firstTime(doc, "taken_at_iso", "taken_at"),
	}

	if user, ok := toMap(doc["user"]); ok {
		if c.UserID == "" {
			c.UserID = firstString(user, "pk", "id")
		}
		if c.Username == "" {
			c.Username = firstString(user, "username")
		}
	}
	return c
}

func captionOf(doc map[string]any) string {
	if s := firstString(doc, "caption_text"); s != "" {
		return s
	}
	switch v := doc["caption"].(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		if m, ok := toMap(v); ok {
			return firstString(m, "text")
		}
	}
	return ""
}

func stickersOf(raw any) []model.Sticker {
	items := convertToSlice(raw)
	if len(items) == 0 {
		return nil
	}
	out := make([]model.Sticker, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, model.Sticker{Text: s, Kind: "generic"})
			}
			continue
		}
		m, ok := toMap(it)
		if !ok {
			continue
		}
		text := firstString(m, "text", "url")
		if text == "" {
			continue
		}
		kind := firstString(m, "kind", "type")
		if kind == "" {
			kind = "generic"
		}
		out = append(out, model.Sticker{Text: text, Kind: kind})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// stringsOf flattens strings and {text}/{url}/{tag} objects into trimmed strings.
func stringsOf(raw any) []string {
	if s, ok := raw.(string); ok {
		if s = strings.TrimSpace(s); s != "" {
			return []string{s}
		}
		return nil
	}
	items := convertToSlice(raw)
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		if m, ok := toMap(it); ok {
			s = firstString(m, "text", "url", "tag", "name")
		} else {
			s = toString(it)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := toString(doc[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstTime(doc map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		if t, ok := toTime(doc[k]); ok {
			return t
		}
	}
	return time.Time{}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case primitive.ObjectID:
		return t.Hex()
	default:
		return ""
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), !t.IsZero()
	case primitive.DateTime:
		return t.Time().UTC(), true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n), n > 0
		}
	case json.Number:
		if n, err := t.Int64(); err == nil && n > 0 {
			return unixTime(n), true
		}
	case int64:
		return unixTime(t), t > 0
	case int32:
		return unixTime(int64(t)), t > 0
	case int:
		return unixTime(int64(t)), t > 0
	case float64:
		return unixTime(int64(t)), t > 0
	}
	return time.Time{}, false
}

// unixTime accepts seconds or milliseconds.
func unixTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// toMap accepts BSON documents, plain maps and JSON text.
func toMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case primitive.M:
		return map[string]any(t), true
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return m, true
	case string:
		return parseJSONObject([]byte(t))
	case []byte:
		return parseJSONObject(t)
	case json.RawMessage:
		return parseJSONObject(t)
	default:
		return nil, false
	}
}

func parseJSONObject(b []byte) (map[string]any, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, false
	}
	return m, true
}

// convertToSlice handles primitive.A, []any and other slice kinds via reflection.
func convertToSlice(raw any) []any {
	switch t := raw.(type) {
	case nil:
		return nil
	case primitive.A:
		return []any(t)
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case string:
		// JSON-encoded arrays show up in text columns.
		s := strings.TrimSpace(t)
		if !strings.HasPrefix(s, "[") {
			return nil
		}
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var arr []any
		if err := dec.Decode(&arr); err != nil {
			return nil
		}
		return arr
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice {
		return nil
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []byte:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case primitive.A:
		return len(t) == 0
	case primitive.M:
		return len(t) == 0
	case primitive.D:
		return len(t) == 0
	default:
		return false
	}
}

// Describe lists the top-level keys of doc, sorted, for diagnostics.
func Describe(doc map[string]any) string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
