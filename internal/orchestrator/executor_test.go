package orchestrator

import (
	"context"
	"errors"
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

type fakeText struct {
	name  string
	fetch func(request string) (string, error)
}

func (f *fakeText) Name() string        { return f.name }
func (f *fakeText) Description() string { return "test text source for " + f.name }

func (f *fakeText) FetchText(_ context.Context, request string) (string, error) {
	return f.fetch(request)
}

// matchOnly answers store lookups by scanning the listed titles and leaves
// every other prompt unscripted.
func matchOnly(pick func(prompt string) string) *oracletest.Stub {
	return &oracletest.Stub{
		InferFunc: func(_ context.Context, prompt string, _ oracle.Shape) (string, error) {
			if strings.Contains(prompt, "Does any stored result already answer") {
				return pick(prompt), nil
			}
			return "", errors.New("unscripted prompt")
		},
	}
}

func noMatch() *oracletest.Stub {
	return matchOnly(func(string) string { return `{"match": -1}` })
}

func newExecutorStore(stub *oracletest.Stub) *store.Store {
	return store.New(stub, clockwork.NewFakeClock())
}

func TestExecuteFeedsStoreForward(t *testing.T) {
	t.Parallel()

	kg := &fakeTabular{
		name:  "Knowledge Graph",
		fetch: func(string) (*table.Table, error) { return rossCountyTable(t), nil },
	}
	statvar := &fakeTabular{
		name: "Statistical Variables",
		fetch: func(string) (*table.Table, error) {
			return mustTable(t, []string{"Name", "Population"}, []string{"Ross County", "77000"}), nil
		},
	}
	registry := sources.NewRegistry()
	registry.Register(kg)
	registry.Register(statvar)

	stub := noMatch()
	st := newExecutorStore(stub)
	plan := Plan{
		{Request: "Find Ross County in Ohio State", DataSource: "Knowledge Graph", Origin: OriginSystem},
		{Request: "Find the population of Ross County in Ohio State", DataSource: "Statistical Variables", Origin: OriginUser},
	}

	result, err := NewExecutor(stub, registry).Execute(context.Background(), st, plan, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Name", "Population"}, result.Table.ColumnNames())
	assert.Equal(t, store.CreatorUser, result.Creator)

	results := st.Results()
	require.Len(t, results, 2)
	assert.Equal(t, store.CreatorSystem, results[0].Creator)
	assert.Equal(t, "Find Ross County in Ohio State", results[0].Request)
}

func TestExecuteReusePromotesCreator(t *testing.T) {
	t.Parallel()

	kg := &fakeTabular{
		name:  "Knowledge Graph",
		fetch: func(string) (*table.Table, error) { return rossCountyTable(t), nil },
	}
	registry := sources.NewRegistry()
	registry.Register(kg)

	stub := matchOnly(func(string) string { return `{"match": 0}` })
	st := newExecutorStore(stub)
	st.Add("Find all rivers in Ohio", mustTable(t, []string{"Name"}, []string{"Scioto River"}), store.CreatorSystem)

	plan := Plan{{Request: "Show the rivers of Ohio", DataSource: "Knowledge Graph", Origin: OriginUser}}
	result, err := NewExecutor(stub, registry).Execute(context.Background(), st, plan, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, kg.callCount(), "a reused step must not touch the adapter")
	assert.Equal(t, store.CreatorUser, result.Creator)
	assert.Equal(t, 1, st.Len(), "reuse must not append a duplicate")
}

func TestExecuteLookupFailureFetchesFresh(t *testing.T) {
	t.Parallel()

	kg := &fakeTabular{
		name:  "Knowledge Graph",
		fetch: func(string) (*table.Table, error) { return rossCountyTable(t), nil },
	}
	registry := sources.NewRegistry()
	registry.Register(kg)

	stub := matchOnly(func(string) string { return "not even json" })
	st := newExecutorStore(stub)
	st.Add("something unrelated", mustTable(t, []string{"Name"}, []string{"x"}), store.CreatorSystem)

	plan := Plan{{Request: "Find Ross County in Ohio State", DataSource: "Knowledge Graph", Origin: OriginUser}}
	_, err := NewExecutor(stub, registry).Execute(context.Background(), st, plan, nil)
	require.NoError(t, err, "a broken lookup must degrade to a fresh fetch")
	assert.Equal(t, 1, kg.callCount())
}

func TestExecuteWrapsStepErrors(t *testing.T) {
	t.Parallel()

	kg := &fakeTabular{
		name: "Knowledge Graph",
		fetch: func(string) (*table.Table, error) {
			return nil, sources.NewResolutionError("Knowledge Graph", "Find Atlantis", 5, errors.New("no rows"))
		},
	}
	registry := sources.NewRegistry()
	registry.Register(kg)

	stub := noMatch()
	st := newExecutorStore(stub)
	plan := Plan{
		{Request: "Find Atlantis", DataSource: "Knowledge Graph", Origin: OriginSystem},
		{Request: "Find the population of Atlantis", DataSource: "Knowledge Graph", Origin: OriginUser},
	}

	_, err := NewExecutor(stub, registry).Execute(context.Background(), st, plan, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step 1/2 (Knowledge Graph) "Find Atlantis"`)

	var resErr *sources.ResolutionError
	assert.ErrorAs(t, err, &resErr)
	assert.Equal(t, 0, st.Len(), "a failed step must not pollute the store")
}

func TestExecuteUnknownSource(t *testing.T) {
	t.Parallel()

	stub := noMatch()
	st := newExecutorStore(stub)
	plan := Plan{{Request: "Find things", DataSource: "Census Bureau", Origin: OriginUser}}

	_, err := NewExecutor(stub, sources.NewRegistry()).Execute(context.Background(), st, plan, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Census Bureau")
}

func TestExecuteTextSource(t *testing.T) {
	t.Parallel()

	regdocs := &fakeText{
		name: "Regulation Documents",
		fetch: func(string) (string, error) {
			return "Permits are renewed every five years.", nil
		},
	}
	registry := sources.NewRegistry()
	registry.Register(regdocs)

	stub := noMatch()
	st := newExecutorStore(stub)
	plan := Plan{{Request: "How often are permits renewed", DataSource: "Regulation Documents", Origin: OriginUser}}

	result, err := NewExecutor(stub, registry).Execute(context.Background(), st, plan, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Text"}, result.Table.ColumnNames())
	assert.Equal(t, "Permits are renewed every five years.", result.Table.Row(0)[0])
	assert.Equal(t, 1, st.Len())
}

func TestExecuteEmptyTableAborts(t *testing.T) {
	t.Parallel()

	kg := &fakeTabular{
		name:  "Knowledge Graph",
		fetch: func(string) (*table.Table, error) { return table.New("Name"), nil },
	}
	registry := sources.NewRegistry()
	registry.Register(kg)

	stub := noMatch()
	st := newExecutorStore(stub)
	plan := Plan{{Request: "Find Nowhere", DataSource: "Knowledge Graph", Origin: OriginUser}}

	_, err := NewExecutor(stub, registry).Execute(context.Background(), st, plan, nil)
	require.Error(t, err)

	var emptyErr *sources.EmptyResultError
	require.ErrorAs(t, err, &emptyErr)
	assert.Equal(t, 0, st.Len())
}

func aggregationFixture(t *testing.T) (*sources.Registry, *fakeTabular, *fakeTabular) {
	t.Helper()

	kg := &fakeTabular{
		name: "Knowledge Graph",
		fetch: func(string) (*table.Table, error) {
			return mustTable(t,
				[]string{"Name", "CountyGeometry"},
				[]string{"Ross County", "POLYGON ((0 0, 4 0, 4 4, 0 4, 0 0))"},
				[]string{"Pike County", "POLYGON ((4 0, 8 0, 8 4, 4 4, 4 0))"},
			), nil
		},
	}
	energy := &fakeTabular{
		name: "Energy Atlas",
		fetch: func(string) (*table.Table, error) {
			return mustTable(t,
				[]string{"Name", "CapacityMW", "StationGeometry"},
				[]string{"Alpha Station", "120", "POINT (1 1)"},
				[]string{"Beta Station", "40", "POINT (2 3)"},
				[]string{"Gamma Station", "300", "POINT (5 2)"},
			), nil
		},
	}
	registry := sources.NewRegistry()
	registry.Register(kg)
	registry.Register(energy)
	return registry, kg, energy
}

func countAggregationSpec() *AggregationSpec {
	return &AggregationSpec{
		GroupingObject:    "county",
		SummarizingObject: "power station",
		Association:       "power station is located in county",
		Function:          "COUNT",
		Plan: Plan{
			{Request: "Find all counties in Ohio state", DataSource: "Knowledge Graph"},
			{Request: "Find all power stations", DataSource: "Energy Atlas"},
			{Request: "Find the number of power stations in each county of Ohio state", DataSource: sources.SentinelSystem},
		},
	}
}

func synthesisStub(reply string) *oracletest.Stub {
	return &oracletest.Stub{
		InferFunc: func(_ context.Context, prompt string, _ oracle.Shape) (string, error) {
			switch {
			case strings.Contains(prompt, "Does any stored result already answer"):
				return `{"match": -1}`, nil
			case strings.Contains(prompt, "Pick the parameters for the aggregation"):
				return reply, nil
			}
			return "", errors.New("unscripted prompt")
		},
	}
}

func TestExecuteAggregationScopesSummarizingFetch(t *testing.T) {
	t.Parallel()

	registry, _, energy := aggregationFixture(t)
	stub := synthesisStub(`{"aggregation_function": "COUNT", "spatial_relation": "within", "value_column": "", "precondition": "", "postcondition": ""}`)
	st := newExecutorStore(stub)

	result, err := NewExecutor(stub, registry).ExecuteAggregation(context.Background(), st, countAggregationSpec(), nil)
	require.NoError(t, err)

	assert.Contains(t, energy.lastRequest(),
		"bounding box from (0.000000, 0.000000) to (8.000000, 4.000000)")

	assert.Equal(t, []string{"Ross County", "2"}, result.Table.Row(0))
	assert.Equal(t, []string{"Pike County", "1"}, result.Table.Row(1))
	assert.Equal(t, store.CreatorUser, result.Creator)

	results := st.Results()
	require.Len(t, results, 3)
	assert.Equal(t, store.CreatorSystem, results[0].Creator)
	assert.Equal(t, store.CreatorSystem, results[1].Creator)
	assert.Equal(t, "Find the number of power stations in each county of Ohio state", results[2].Request)
}

func TestExecuteAggregationAppliesConditions(t *testing.T) {
	t.Parallel()

	registry, _, _ := aggregationFixture(t)
	stub := synthesisStub(`{
		"aggregation_function": "SUM",
		"spatial_relation": "within",
		"value_column": "CapacityMW",
		"precondition": "CapacityMW > 100",
		"postcondition": "Total > 200"
	}`)
	st := newExecutorStore(stub)

	spec := countAggregationSpec()
	spec.Function = "SUM"

	result, err := NewExecutor(stub, registry).ExecuteAggregation(context.Background(), st, spec, nil)
	require.NoError(t, err)

	// Alpha (120) survives the precondition inside Ross County; Gamma (300)
	// inside Pike County. The postcondition then drops Ross County's total.
	require.Equal(t, 1, result.Table.NumRows())
	assert.Equal(t, []string{"Pike County", "300"}, result.Table.Row(0))
}

func TestExecuteAggregationDefaultsFunctionFromSpec(t *testing.T) {
	t.Parallel()

	registry, _, _ := aggregationFixture(t)
	stub := synthesisStub(`{"aggregation_function": "", "spatial_relation": "within", "value_column": "", "precondition": "", "postcondition": ""}`)
	st := newExecutorStore(stub)

	result, err := NewExecutor(stub, registry).ExecuteAggregation(context.Background(), st, countAggregationSpec(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Name", "Count"}, result.Table.ColumnNames())
}

func TestExecuteAggregationNeedsGeometry(t *testing.T) {
	t.Parallel()

	kg := &fakeTabular{
		name: "Knowledge Graph",
		fetch: func(string) (*table.Table, error) {
			return mustTable(t, []string{"Name"}, []string{"Ross County"}), nil
		},
	}
	registry := sources.NewRegistry()
	registry.Register(kg)
	registry.Register(&fakeTabular{
		name:  "Energy Atlas",
		fetch: func(string) (*table.Table, error) { return table.New("Name"), nil },
	})

	stub := noMatch()
	st := newExecutorStore(stub)

	_, err := NewExecutor(stub, registry).ExecuteAggregation(context.Background(), st, countAggregationSpec(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable geometry")
}

func TestExecuteAggregationEmptyOutcome(t *testing.T) {
	t.Parallel()

	registry, _, _ := aggregationFixture(t)
	// The postcondition filters every group away.
	stub := synthesisStub(`{
		"aggregation_function": "COUNT",
		"spatial_relation": "within",
		"value_column": "",
		"precondition": "",
		"postcondition": "Count > 100"
	}`)
	st := newExecutorStore(stub)

	_, err := NewExecutor(stub, registry).ExecuteAggregation(context.Background(), st, countAggregationSpec(), nil)
	require.Error(t, err)

	var emptyErr *sources.EmptyResultError
	assert.ErrorAs(t, err, &emptyErr)
}
