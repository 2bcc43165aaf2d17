package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/oracle/oracletest"
	"github.com/geoquery/backend/internal/table"
)

func testTable(t *testing.T, names ...string) *table.Table {
	t.Helper()
	tbl := table.New(names...)
	row := make([]string, len(names))
	for i := range row {
		row[i] = fmt.Sprintf("v%d", i)
	}
	require.NoError(t, tbl.AppendRow(row...))
	return tbl
}

func TestAddKeepsAppendOrder(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(&oracletest.Stub{}, clock)

	s.Add("counties of Ohio", testTable(t, "Name"), CreatorUser)
	s.Add("dams in Ohio", testTable(t, "Name"), CreatorSystem)
	s.Add("rivers in Ohio", testTable(t, "Name"), CreatorSystem)

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"counties of Ohio", "dams in Ohio", "rivers in Ohio"}, s.Titles())

	results := s.Results()
	require.Len(t, results, 3)
	assert.Equal(t, CreatorUser, results[0].Creator)
	assert.Equal(t, CreatorSystem, results[1].Creator)
	assert.Equal(t, clock.Now(), results[0].CreatedAt)
}

func TestEvictOlderThan(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(&oracletest.Stub{}, clock)

	s.Add("old one", testTable(t, "Name"), CreatorSystem)
	s.Add("old two", testTable(t, "Name"), CreatorSystem)

	clock.Advance(90 * time.Second)
	s.Add("fresh", testTable(t, "Name"), CreatorUser)

	evicted := s.EvictOlderThan(60 * time.Second)
	assert.Equal(t, 2, evicted)
	assert.Equal(t, []string{"fresh"}, s.Titles())

	evicted = s.EvictOlderThan(60 * time.Second)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, []string{"fresh"}, s.Titles())
}

func TestEvictPreservesSurvivorOrder(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(&oracletest.Stub{}, clock)

	s.Add("stale", testTable(t, "Name"), CreatorSystem)
	clock.Advance(2 * time.Minute)
	s.Add("first survivor", testTable(t, "Name"), CreatorSystem)
	clock.Advance(10 * time.Second)
	s.Add("second survivor", testTable(t, "Name"), CreatorSystem)

	s.EvictOlderThan(time.Minute)
	assert.Equal(t, []string{"first survivor", "second survivor"}, s.Titles())
}

func TestContainsAndFind(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	stub := &oracletest.Stub{
		InferFunc: func(_ context.Context, prompt string, _ oracle.Shape) (string, error) {
			if strings.Contains(prompt, "Request: where are the dams") {
				return `{"match": 1}`, nil
			}
			return `{"match": -1}`, nil
		},
	}
	s := New(stub, clock)

	s.Add("counties of Ohio", testTable(t, "Name"), CreatorUser)
	s.Add("dams in Ohio", testTable(t, "Name", "DamGeometry"), CreatorSystem)

	ok, err := s.Contains(context.Background(), "where are the dams")
	require.NoError(t, err)
	assert.True(t, ok)

	found, ok, err := s.Find(context.Background(), "where are the dams")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dams in Ohio", found.Request)

	_, ok, err = s.Find(context.Background(), "power stations in Kentucky")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindOnEmptyStoreSkipsOracle(t *testing.T) {
	t.Parallel()

	stub := &oracletest.Stub{}
	s := New(stub, clockwork.NewFakeClock())

	ok, err := s.Contains(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, stub.Prompts())
}

func TestMatchOutOfRangeIsMalformed(t *testing.T) {
	t.Parallel()

	stub := &oracletest.Stub{
		InferFunc: func(_ context.Context, _ string, _ oracle.Shape) (string, error) {
			return `{"match": 7}`, nil
		},
	}
	s := New(stub, clockwork.NewFakeClock())
	s.Add("only entry", testTable(t, "Name"), CreatorSystem)

	_, err := s.Contains(context.Background(), "anything")
	require.Error(t, err)

	var malformed *oracle.MalformedResponseError
	assert.True(t, errors.As(err, &malformed))
}

func TestReclassify(t *testing.T) {
	t.Parallel()

	s := New(&oracletest.Stub{}, clockwork.NewFakeClock())
	entry := s.Add("dams in Ohio", testTable(t, "Name"), CreatorSystem)

	s.Reclassify(entry, CreatorUser)
	assert.Equal(t, CreatorUser, s.Results()[0].Creator)
}
