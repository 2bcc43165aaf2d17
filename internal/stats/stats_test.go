package stats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComputer struct {
	mu    sync.Mutex
	calls map[string]int

	summaryFunc func(coverageID string, f Feature) (map[string]any, error)
	pixelFunc   func(coverageID string, f Feature, threshold float64) (map[string]any, error)
}

func newFakeComputer() *fakeComputer {
	return &fakeComputer{calls: make(map[string]int)}
}

func (f *fakeComputer) record(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	return f.calls[id]
}

func (f *fakeComputer) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeComputer) SummarizeFeature(ctx context.Context, coverageID string, feature Feature) (map[string]any, error) {
	f.record(feature.ID)
	if f.summaryFunc == nil {
		return map[string]any{"feature": feature.ID, "mean": 1.0}, nil
	}
	return f.summaryFunc(coverageID, feature)
}

func (f *fakeComputer) CountPixelsAbove(ctx context.Context, coverageID string, feature Feature, threshold float64) (map[string]any, error) {
	f.record(feature.ID)
	if f.pixelFunc == nil {
		return map[string]any{"feature": feature.ID, "count": 10.0, "threshold": threshold}, nil
	}
	return f.pixelFunc(coverageID, feature, threshold)
}

func countyFeatures() []Feature {
	geom := json.RawMessage(`{"type":"Point","coordinates":[-82.9,39.9]}`)
	return []Feature{
		{Type: "Feature", ID: "adams", Properties: map[string]any{"name": "Adams", "state": "Ohio"}, Geometry: geom},
		{Type: "Feature", ID: "brown", Properties: map[string]any{"name": "Brown", "state": "Ohio"}, Geometry: geom},
		{Type: "Feature", ID: "pike", Properties: map[string]any{"name": "Pike", "state": "Kentucky"}, Geometry: geom},
	}
}

func TestFilterValueShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		set     bool
		values  []string
	}{
		{name: "absent", payload: `{}`, set: false},
		{name: "null", payload: `{"filter": null}`, set: false},
		{name: "single string", payload: `{"filter": "Ohio"}`, set: true, values: []string{"Ohio"}},
		{name: "single number", payload: `{"filter": 39}`, set: true, values: []string{"39"}},
		{name: "list", payload: `{"filter": ["Ohio", "Kentucky", 5]}`, set: true, values: []string{"Ohio", "Kentucky", "5"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var req struct {
				Filter FilterValue `json:"filter"`
			}
			require.NoError(t, json.Unmarshal([]byte(tt.payload), &req))
			assert.Equal(t, tt.set, req.Filter.IsSet())
			if tt.set {
				assert.Equal(t, tt.values, req.Filter.Values())
			}
		})
	}
}

func TestFilterValueRejectsObjects(t *testing.T) {
	t.Parallel()

	var f FilterValue
	err := json.Unmarshal([]byte(`{"a": 1}`), &f)
	require.Error(t, err)
}

func TestClampBounds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, MinRetries, clamp(0, MinRetries, MaxRetries))
	assert.Equal(t, MaxRetries, clamp(100, MinRetries, MaxRetries))
	assert.Equal(t, 5, clamp(5, MinRetries, MaxRetries))

	assert.Equal(t, MinTimeoutSeconds, clamp(1, MinTimeoutSeconds, MaxTimeoutSeconds))
	assert.Equal(t, MaxTimeoutSeconds, clamp(600, MinTimeoutSeconds, MaxTimeoutSeconds))

	assert.Equal(t, MinWorkers, clamp(-3, MinWorkers, MaxWorkers))
	assert.Equal(t, MaxWorkers, clamp(64, MinWorkers, MaxWorkers))
}

func TestZonalSummaryProcessesAllFeatures(t *testing.T) {
	t.Parallel()

	computer := newFakeComputer()
	svc := NewService(computer, Defaults{})

	resp, err := svc.ZonalSummary(context.Background(), SummaryRequest{
		CoverageID: "landcover-2021",
		Features:   countyFeatures(),
		Retries:    1,
		Workers:    4,
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Len(t, resp.Records, 3)
	assert.Empty(t, resp.FailedFeatures)
	assert.Equal(t, 3, resp.Processed)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, "processed 3 of 3 features", resp.Message)
	assert.GreaterOrEqual(t, resp.ElapsedSeconds, 0.0)
}

func TestZonalSummaryReportsFailedFeatures(t *testing.T) {
	t.Parallel()

	computer := newFakeComputer()
	computer.summaryFunc = func(coverageID string, f Feature) (map[string]any, error) {
		if f.ID == "brown" {
			return nil, errors.New("coverage tile unavailable")
		}
		return map[string]any{"feature": f.ID}, nil
	}
	svc := NewService(computer, Defaults{})

	resp, err := svc.ZonalSummary(context.Background(), SummaryRequest{
		CoverageID: "landcover-2021",
		Features:   countyFeatures(),
		Retries:    1,
		Workers:    2,
	})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, []string{"brown"}, resp.FailedFeatures)
	assert.Equal(t, 2, resp.Processed)
	assert.Equal(t, 3, resp.Total)
	assert.Contains(t, resp.Message, "1 failed")
}

func TestZonalSummaryRetriesPerFeature(t *testing.T) {
	t.Parallel()

	computer := newFakeComputer()
	computer.summaryFunc = func(coverageID string, f Feature) (map[string]any, error) {
		if f.ID == "adams" && computer.callCount("adams") < 2 {
			return nil, errors.New("transient")
		}
		return map[string]any{"feature": f.ID}, nil
	}
	svc := NewService(computer, Defaults{})

	resp, err := svc.ZonalSummary(context.Background(), SummaryRequest{
		CoverageID: "landcover-2021",
		Features:   countyFeatures()[:1],
		Retries:    3,
		Workers:    1,
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, 2, computer.callCount("adams"))
}

func TestZonalSummaryClampsRetries(t *testing.T) {
	t.Parallel()

	computer := newFakeComputer()
	computer.summaryFunc = func(coverageID string, f Feature) (map[string]any, error) {
		return nil, errors.New("always down")
	}
	svc := NewService(computer, Defaults{})

	// Retries below the floor still run exactly once.
	resp, err := svc.ZonalSummary(context.Background(), SummaryRequest{
		CoverageID: "landcover-2021",
		Features:   countyFeatures()[:1],
		Retries:    0,
		Workers:    1,
	})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, 1, computer.callCount("adams"))
}

func TestZonalSummaryAppliesConfiguredDefaults(t *testing.T) {
	t.Parallel()

	computer := newFakeComputer()
	computer.summaryFunc = func(coverageID string, f Feature) (map[string]any, error) {
		if computer.callCount("adams") < 2 {
			return nil, errors.New("transient")
		}
		return map[string]any{"feature": f.ID}, nil
	}
	svc := NewService(computer, Defaults{Retries: 3, TimeoutSeconds: 30, Workers: 4})

	// The request leaves every knob at zero, so the configured defaults
	// apply and the transient failure is retried away.
	resp, err := svc.ZonalSummary(context.Background(), SummaryRequest{
		CoverageID: "landcover-2021",
		Features:   countyFeatures()[:1],
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, 2, computer.callCount("adams"))
}

func TestZonalSummaryFiltersFeatures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filter FilterValue
		want   []string
	}{
		{name: "single value", filter: NewFilter("Ohio"), want: []string{"adams", "brown"}},
		{name: "list", filter: NewFilter("Ohio", "Kentucky"), want: []string{"adams", "brown", "pike"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			computer := newFakeComputer()
			svc := NewService(computer, Defaults{})

			resp, err := svc.ZonalSummary(context.Background(), SummaryRequest{
				CoverageID:      "landcover-2021",
				Features:        countyFeatures(),
				FilterAttribute: "state",
				Filter:          tt.filter,
				Retries:         1,
				Workers:         2,
			})
			require.NoError(t, err)

			assert.Equal(t, len(tt.want), resp.Total)
			for _, id := range tt.want {
				assert.Equal(t, 1, computer.callCount(id))
			}
		})
	}
}

func TestZonalSummaryNoFeaturesMatchFilter(t *testing.T) {
	t.Parallel()

	computer := newFakeComputer()
	svc := NewService(computer, Defaults{})

	resp, err := svc.ZonalSummary(context.Background(), SummaryRequest{
		CoverageID:      "landcover-2021",
		Features:        countyFeatures(),
		FilterAttribute: "state",
		Filter:          NewFilter("Nevada"),
		Retries:         1,
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Empty(t, resp.Records)
	assert.Equal(t, 0, resp.Total)
	assert.Equal(t, "no features matched the filter", resp.Message)
}

func TestZonalSummaryRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	svc := NewService(newFakeComputer(), Defaults{})

	_, err := svc.ZonalSummary(context.Background(), SummaryRequest{Features: countyFeatures()})
	assert.ErrorContains(t, err, "coverage_id")

	_, err = svc.ZonalSummary(context.Background(), SummaryRequest{CoverageID: "landcover-2021"})
	assert.ErrorContains(t, err, "at least one feature")

	_, err = svc.ZonalSummary(context.Background(), SummaryRequest{
		CoverageID: "landcover-2021",
		Features:   countyFeatures(),
		Filter:     NewFilter("Ohio"),
	})
	assert.ErrorContains(t, err, "filter_attribute")
}

func TestPixelCountAbovePassesThreshold(t *testing.T) {
	t.Parallel()

	computer := newFakeComputer()
	var gotThreshold float64
	var mu sync.Mutex
	computer.pixelFunc = func(coverageID string, f Feature, threshold float64) (map[string]any, error) {
		mu.Lock()
		gotThreshold = threshold
		mu.Unlock()
		return map[string]any{"feature": f.ID, "count": 42.0}, nil
	}
	svc := NewService(computer, Defaults{})

	resp, err := svc.PixelCountAbove(context.Background(), PixelCountRequest{
		CoverageID: "elevation",
		Features:   countyFeatures()[:1],
		Threshold:  300,
		Retries:    1,
		Workers:    1,
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, 300.0, gotThreshold)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, 42.0, resp.Records[0]["count"])
}

func TestFeatureIDFallbacks(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "f-9", featureID(Feature{ID: "f-9"}, 0))
	assert.Equal(t, "Ross", featureID(Feature{Properties: map[string]any{"name": "Ross"}}, 0))
	assert.Equal(t, "feature-4", featureID(Feature{}, 4))
}
