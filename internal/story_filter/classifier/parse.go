package classifier

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"story-filter/internal/story_filter/model"
)

var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// ParseDecision extracts the decision object from model output. It tries the raw text,
// then the first fenced block holding braces, then the widest {...} substring.
func ParseDecision(content string) (model.Decision, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return model.Decision{}, eris.Wrap(ErrNoResult, "empty content")
	}

	if d, err := decodeObject(text); err == nil {
		return d, nil
	}

	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		inner := strings.TrimSpace(m[1])
		if !strings.Contains(inner, "{") || !strings.Contains(inner, "}") {
			continue
		}
		if d, err := decodeObject(inner); err == nil {
			return d, nil
		}
		break
	}

	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if d, err := decodeObject(text[start : end+1]); err == nil {
			return d, nil
		}
	}

	return model.Decision{}, eris.Wrapf(ErrNoResult, "unparseable content %q", snippet(text, 250))
}

func decodeObject(text string) (model.Decision, error) {
	raw := []byte(text)
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return model.Decision{}, eris.New("not a JSON object")
	}
	// is_relevant must be present and boolean, otherwise the object is not a decision
	var shape struct {
		IsRelevant *bool `json:"is_relevant"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return model.Decision{}, eris.Wrap(err, "decode decision")
	}
	if shape.IsRelevant == nil {
		return model.Decision{}, eris.New("is_relevant missing")
	}
	var d model.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.Decision{}, eris.Wrap(err, "decode decision")
	}
	return d, nil
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
