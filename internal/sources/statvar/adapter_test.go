package statvar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/oracle/oracletest"
	"github.com/geoquery/backend/internal/sources"
	"github.com/geoquery/backend/internal/store"
	"github.com/geoquery/backend/internal/table"
)

type fakeProvider struct {
	ResolvePlacesFunc      func(ctx context.Context, names []string) (map[string]string, error)
	SearchVariablesFunc    func(ctx context.Context, query string, limit int) ([]Variable, error)
	LatestObservationsFunc func(ctx context.Context, variable string, entities []string) ([]Observation, error)
	observationCalls       int
}

func (f *fakeProvider) ResolvePlaces(ctx context.Context, names []string) (map[string]string, error) {
	return f.ResolvePlacesFunc(ctx, names)
}

func (f *fakeProvider) SearchVariables(ctx context.Context, query string, limit int) ([]Variable, error) {
	return f.SearchVariablesFunc(ctx, query, limit)
}

func (f *fakeProvider) LatestObservations(ctx context.Context, variable string, entities []string) ([]Observation, error) {
	f.observationCalls++
	return f.LatestObservationsFunc(ctx, variable, entities)
}

func answeringOracle(t *testing.T) *oracletest.Stub {
	t.Helper()
	return &oracletest.Stub{
		InferFunc: func(_ context.Context, prompt string, _ oracle.Shape) (string, error) {
			switch {
			case strings.Contains(prompt, "name specific places"):
				return `{"places": ["Ross County", "Pike County"], "uses_prior_result": false}`, nil
			case strings.Contains(prompt, "search phrase"):
				return "total population", nil
			case strings.Contains(prompt, "Which one best answers"):
				return `{"index": 0}`, nil
			default:
				return "", fmt.Errorf("unexpected prompt: %s", prompt)
			}
		},
	}
}

func workingProvider() *fakeProvider {
	return &fakeProvider{
		ResolvePlacesFunc: func(_ context.Context, names []string) (map[string]string, error) {
			out := make(map[string]string)
			for i, n := range names {
				out[n] = fmt.Sprintf("geoId/%d", i)
			}
			return out, nil
		},
		SearchVariablesFunc: func(_ context.Context, _ string, _ int) ([]Variable, error) {
			return []Variable{
				{DCID: "Count_Person", Name: "Population", Description: "total residents"},
				{DCID: "Median_Income", Name: "Median Income", Description: "household income"},
			}, nil
		},
		LatestObservationsFunc: func(_ context.Context, _ string, entities []string) ([]Observation, error) {
			obs := make([]Observation, len(entities))
			for i, e := range entities {
				obs[i] = Observation{Entity: e, Value: float64(1000 * (i + 1)), Date: "2023"}
			}
			return obs, nil
		},
	}
}

func TestFetchNamedPlaces(t *testing.T) {
	t.Parallel()

	a := NewAdapter(workingProvider(), answeringOracle(t))
	tbl, err := a.Fetch(context.Background(), nil, "population of Ross County and Pike County")
	require.NoError(t, err)

	assert.Equal(t, []string{"Name", "Population", "Date"}, tbl.ColumnNames())
	assert.Equal(t, []string{"Ross County", "1000", "2023"}, tbl.Row(0))
	assert.Equal(t, []string{"Pike County", "2000", "2023"}, tbl.Row(1))
}

func TestFetchPlacesFromPriorResult(t *testing.T) {
	t.Parallel()

	st := store.New(&oracletest.Stub{
		InferFunc: func(_ context.Context, _ string, _ oracle.Shape) (string, error) {
			return `{"match": 0}`, nil
		},
	}, clockwork.NewFakeClock())

	prior, err := table.FromRows(
		[]string{"CountyName", "CountyGeometry"},
		[][]string{
			{"Morgan County", "POINT (1 1)"},
			{"Washington County", "POINT (2 2)"},
			{"Morgan County", "POINT (1 1)"},
		},
	)
	require.NoError(t, err)
	st.Add("counties downstream of the station", prior, store.CreatorSystem)

	stub := &oracletest.Stub{
		InferFunc: func(_ context.Context, prompt string, _ oracle.Shape) (string, error) {
			switch {
			case strings.Contains(prompt, "name specific places"):
				return `{"places": [], "uses_prior_result": true}`, nil
			case strings.Contains(prompt, "search phrase"):
				return "population", nil
			case strings.Contains(prompt, "Which one best answers"):
				return `{"index": 0}`, nil
			default:
				return "", fmt.Errorf("unexpected prompt: %s", prompt)
			}
		},
	}

	var resolvedNames []string
	provider := workingProvider()
	base := provider.ResolvePlacesFunc
	provider.ResolvePlacesFunc = func(ctx context.Context, names []string) (map[string]string, error) {
		resolvedNames = names
		return base(ctx, names)
	}

	a := NewAdapter(provider, stub)
	tbl, err := a.Fetch(context.Background(), st, "population for those counties")
	require.NoError(t, err)

	assert.Equal(t, []string{"Morgan County", "Washington County"}, resolvedNames)
	assert.Equal(t, 2, tbl.NumRows())
}

func TestFetchMissingPriorData(t *testing.T) {
	t.Parallel()

	stub := &oracletest.Stub{
		InferFunc: func(_ context.Context, prompt string, _ oracle.Shape) (string, error) {
			if strings.Contains(prompt, "name specific places") {
				return `{"places": [], "uses_prior_result": true}`, nil
			}
			return "", fmt.Errorf("unexpected prompt: %s", prompt)
		},
	}

	a := NewAdapter(workingProvider(), stub)
	_, err := a.Fetch(context.Background(), nil, "population for those counties")
	require.Error(t, err)

	var missing *sources.MissingPriorDataError
	assert.True(t, errors.As(err, &missing))
}

func TestFetchNoResolvedPlaces(t *testing.T) {
	t.Parallel()

	provider := workingProvider()
	provider.ResolvePlacesFunc = func(_ context.Context, _ []string) (map[string]string, error) {
		return map[string]string{}, nil
	}

	a := NewAdapter(provider, answeringOracle(t))
	_, err := a.Fetch(context.Background(), nil, "population of Atlantis County")
	require.Error(t, err)

	var empty *sources.EmptyResultError
	assert.True(t, errors.As(err, &empty))
}

func TestFetchTransportFailure(t *testing.T) {
	t.Parallel()

	provider := workingProvider()
	provider.ResolvePlacesFunc = func(_ context.Context, _ []string) (map[string]string, error) {
		return nil, errors.New("connection refused")
	}

	a := NewAdapter(provider, answeringOracle(t))
	_, err := a.Fetch(context.Background(), nil, "population of Ross County")
	require.Error(t, err)

	var transport *sources.TransportError
	assert.True(t, errors.As(err, &transport))
}

func TestFetchExhaustsVariableAttempts(t *testing.T) {
	t.Parallel()

	provider := workingProvider()
	provider.LatestObservationsFunc = func(_ context.Context, _ string, _ []string) ([]Observation, error) {
		return nil, nil
	}

	a := NewAdapter(provider, answeringOracle(t))
	_, err := a.Fetch(context.Background(), nil, "population of Ross County and Pike County")
	require.Error(t, err)

	var resolution *sources.ResolutionError
	require.True(t, errors.As(err, &resolution))
	assert.Equal(t, 5, resolution.Attempts)
	assert.Equal(t, 5, provider.observationCalls)
}
