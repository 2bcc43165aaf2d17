package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoquery/backend/internal/table"
)

// Two square counties side by side: A covers (0,0)-(10,10), B covers
// (10,0)-(20,10). Dams are points inside one or the other.
func countyTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.FromRows(
		[]string{"CountyName", "CountyGeometry"},
		[][]string{
			{"Adams", "POLYGON ((0 0, 10 0, 10 10, 0 10, 0 0))"},
			{"Brown", "POLYGON ((10 0, 20 0, 20 10, 10 10, 10 0))"},
		},
	)
	require.NoError(t, err)
	return tbl
}

func damTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.FromRows(
		[]string{"DamName", "Capacity", "DamGeometry"},
		[][]string{
			{"Alpha Dam", "100", "POINT (2 2)"},
			{"Beta Dam", "50", "POINT (8 3)"},
			{"Gamma Dam", "200", "POINT (15 5)"},
		},
	)
	require.NoError(t, err)
	return tbl
}

func TestParseFunction(t *testing.T) {
	t.Parallel()

	f, err := ParseFunction(" count ")
	require.NoError(t, err)
	assert.Equal(t, Count, f)

	_, err = ParseFunction("MEDIAN")
	require.Error(t, err)
}

func TestParseRelation(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Contains, ParseRelation("Contains"))
	assert.Equal(t, Within, ParseRelation("within"))
	assert.Equal(t, Intersects, ParseRelation("anything else"))
}

func TestAggregateCount(t *testing.T) {
	t.Parallel()

	out, err := Aggregate(countyTable(t), damTable(t), AggregateSpec{Function: Count})
	require.NoError(t, err)

	assert.Equal(t, []string{"Name", "Count"}, out.ColumnNames())
	assert.Equal(t, []string{"Adams", "2"}, out.Row(0))
	assert.Equal(t, []string{"Brown", "1"}, out.Row(1))
}

func TestAggregateCountWithinRelation(t *testing.T) {
	t.Parallel()

	out, err := Aggregate(countyTable(t), damTable(t), AggregateSpec{
		Function: Count,
		Relation: Within,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Adams", "2"}, out.Row(0))
	assert.Equal(t, []string{"Brown", "1"}, out.Row(1))
}

func TestAggregateContainsRelation(t *testing.T) {
	t.Parallel()

	watersheds, err := table.FromRows(
		[]string{"WatershedName", "WatershedGeometry"},
		[][]string{{"Big Basin", "POLYGON ((-5 -5, 25 -5, 25 15, -5 15, -5 -5))"}},
	)
	require.NoError(t, err)

	out, err := Aggregate(countyTable(t), watersheds, AggregateSpec{
		Function: Count,
		Relation: Contains,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Adams", "1"}, out.Row(0), "basin contains the county")
	assert.Equal(t, []string{"Brown", "1"}, out.Row(1))
}

func TestAggregateCountIncludesEmptyGroups(t *testing.T) {
	t.Parallel()

	counties := countyTable(t)
	empty, err := table.FromRows(
		[]string{"DamName", "DamGeometry"},
		[][]string{{"Remote Dam", "POINT (100 100)"}},
	)
	require.NoError(t, err)

	out, err := Aggregate(counties, empty, AggregateSpec{Function: Count})
	require.NoError(t, err)
	assert.Equal(t, []string{"Adams", "0"}, out.Row(0))
	assert.Equal(t, []string{"Brown", "0"}, out.Row(1))
}

func TestAggregateSum(t *testing.T) {
	t.Parallel()

	out, err := Aggregate(countyTable(t), damTable(t), AggregateSpec{
		Function:    Sum,
		ValueColumn: "Capacity",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Name", "Total"}, out.ColumnNames())
	assert.Equal(t, []string{"Adams", "150"}, out.Row(0))
	assert.Equal(t, []string{"Brown", "200"}, out.Row(1))
}

func TestAggregateAvgSkipsEmptyGroups(t *testing.T) {
	t.Parallel()

	counties := countyTable(t)
	dams, err := table.FromRows(
		[]string{"DamName", "Capacity", "DamGeometry"},
		[][]string{
			{"Alpha Dam", "100", "POINT (2 2)"},
			{"Beta Dam", "50", "POINT (8 3)"},
		},
	)
	require.NoError(t, err)

	out, err := Aggregate(counties, dams, AggregateSpec{
		Function:    Avg,
		ValueColumn: "Capacity",
	})
	require.NoError(t, err)

	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, []string{"Adams", "75"}, out.Row(0))
}

func TestAggregateMax(t *testing.T) {
	t.Parallel()

	out, err := Aggregate(countyTable(t), damTable(t), AggregateSpec{
		Function:    Max,
		ValueColumn: "Capacity",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Adams", "100"}, out.Row(0))
	assert.Equal(t, []string{"Brown", "200"}, out.Row(1))
}

func TestAggregateArgMax(t *testing.T) {
	t.Parallel()

	out, err := Aggregate(countyTable(t), damTable(t), AggregateSpec{Function: ArgMax})
	require.NoError(t, err)

	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, []string{"Adams", "2"}, out.Row(0))
}

func TestAggregateValueColumnRequired(t *testing.T) {
	t.Parallel()

	_, err := Aggregate(countyTable(t), damTable(t), AggregateSpec{Function: Sum})
	require.Error(t, err)
}

func TestAggregateNeedsGeometries(t *testing.T) {
	t.Parallel()

	noGeom := table.New("Name", "Value")
	_, err := Aggregate(noGeom, damTable(t), AggregateSpec{Function: Count})
	require.Error(t, err)
}

func TestFilter(t *testing.T) {
	t.Parallel()

	tbl, err := table.FromRows(
		[]string{"Name", "Population"},
		[][]string{
			{"Ross", "77,000"},
			{"Pike", "27000"},
			{"Vinton", "13000"},
		},
	)
	require.NoError(t, err)

	out, err := Filter(tbl, "Population > 20000")
	require.NoError(t, err)
	require.Equal(t, 2, out.NumRows())
	assert.Equal(t, "Ross", out.Row(0)[0])
	assert.Equal(t, "Pike", out.Row(1)[0])
}

func TestFilterStringEquality(t *testing.T) {
	t.Parallel()

	tbl, err := table.FromRows(
		[]string{"Name", "State"},
		[][]string{
			{"Ross", "Ohio"},
			{"Floyd", "Kentucky"},
		},
	)
	require.NoError(t, err)

	out, err := Filter(tbl, `State == "Ohio"`)
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, "Ross", out.Row(0)[0])
}

func TestFilterErrors(t *testing.T) {
	t.Parallel()

	tbl, err := table.FromRows([]string{"A"}, [][]string{{"1"}})
	require.NoError(t, err)

	_, err = Filter(tbl, "A >")
	require.Error(t, err)

	_, err = Filter(tbl, "A + 1")
	require.Error(t, err)
}
