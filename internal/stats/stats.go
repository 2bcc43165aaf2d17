package stats

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Bounds the service clamps request knobs into. Callers may ask for less or
// more; the effective values never leave these ranges.
const (
	MinRetries = 1
	MaxRetries = 10

	MinTimeoutSeconds = 10
	MaxTimeoutSeconds = 120

	MinWorkers = 1
	MaxWorkers = 24
)

// Feature is one GeoJSON feature from the caller's collection.
type Feature struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Properties map[string]any  `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

// FilterValue accepts the three shapes callers send for an attribute
// filter: absent (process every feature), a single scalar, or a list of
// scalars.
type FilterValue struct {
	values []string
	set    bool
}

func (f *FilterValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var list []any
	if err := json.Unmarshal(data, &list); err == nil {
		for _, v := range list {
			f.values = append(f.values, scalarString(v))
		}
		f.set = true
		return nil
	}

	var single any
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("filter must be a scalar or a list: %w", err)
	}
	f.values = []string{scalarString(single)}
	f.set = true
	return nil
}

func (f FilterValue) MarshalJSON() ([]byte, error) {
	if !f.set {
		return []byte("null"), nil
	}
	if len(f.values) == 1 {
		return json.Marshal(f.values[0])
	}
	return json.Marshal(f.values)
}

// IsSet reports whether the caller supplied a filter at all.
func (f FilterValue) IsSet() bool { return f.set }

func (f FilterValue) Values() []string {
	out := make([]string, len(f.values))
	copy(out, f.values)
	return out
}

// Matches reports whether the value equals any of the filter values, both
// sides compared in scalar string form.
func (f FilterValue) Matches(v any) bool {
	s := scalarString(v)
	for _, want := range f.values {
		if s == want {
			return true
		}
	}
	return false
}

// NewFilter builds a set filter from explicit values, mainly for tests and
// programmatic callers.
func NewFilter(values ...any) FilterValue {
	f := FilterValue{set: true}
	for _, v := range values {
		f.values = append(f.values, scalarString(v))
	}
	return f
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// SummaryRequest asks for summary statistics of a coverage per feature.
type SummaryRequest struct {
	CoverageID      string      `json:"coverage_id"`
	Features        []Feature   `json:"features"`
	FilterAttribute string      `json:"filter_attribute,omitempty"`
	Filter          FilterValue `json:"filter,omitempty"`

	Retries        int `json:"retries"`
	TimeoutSeconds int `json:"timeout_seconds"`
	Workers        int `json:"workers"`
}

// PixelCountRequest asks for the count of coverage pixels above a threshold
// per feature.
type PixelCountRequest struct {
	CoverageID      string      `json:"coverage_id"`
	Features        []Feature   `json:"features"`
	Threshold       float64     `json:"threshold"`
	FilterAttribute string      `json:"filter_attribute,omitempty"`
	Filter          FilterValue `json:"filter,omitempty"`

	Retries        int `json:"retries"`
	TimeoutSeconds int `json:"timeout_seconds"`
	Workers        int `json:"workers"`
}

// Response reports one batch job. Per-feature failures land in
// FailedFeatures and never fail the job as a whole.
type Response struct {
	Success        bool             `json:"success"`
	Records        []map[string]any `json:"records"`
	FailedFeatures []string         `json:"failed_features"`
	Processed      int              `json:"processed"`
	Total          int              `json:"total"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	Message        string           `json:"message"`
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// featureID names a feature for failure reporting: its id when present,
// otherwise a name-like property, otherwise its position.
func featureID(f Feature, idx int) string {
	if f.ID != "" {
		return f.ID
	}
	for _, key := range []string{"id", "Id", "name", "Name"} {
		if v, ok := f.Properties[key]; ok {
			if s := scalarString(v); s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("feature-%d", idx)
}
