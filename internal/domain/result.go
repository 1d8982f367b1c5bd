package domain

import "strings"

// ResultType tags what kind of answer the workflow produced.
type ResultType string

const (
	ResultGeneral         ResultType = "general_qa"
	ResultImageGeneration ResultType = "image_generation"
	ResultGeolocation     ResultType = "geolocation_identification"
)

// FinalResult is derived once from the terminal event of a turn.
type FinalResult struct {
	Answer string
	Type   ResultType
	Extras map[string]any
}

// IsLongForm reports whether the workflow asked for paginated rendering.
func (r FinalResult) IsLongForm() bool {
	for _, key := range []string{"is_long_form", "is_instant_view"} {
		if v, ok := r.Extras[key].(bool); ok && v {
			return true
		}
	}
	return false
}

// Title returns the document title carried in extras, if any.
func (r FinalResult) Title() string {
	return strings.TrimSpace(r.ExtraString("title"))
}

// ExtraString returns extras[key] when it is a string.
func (r FinalResult) ExtraString(key string) string {
	s, _ := r.Extras[key].(string)
	return s
}

// ExtraStrings returns extras[key] as a string list, skipping non-string entries.
func (r FinalResult) ExtraStrings(key string) []string {
	switch v := r.Extras[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
