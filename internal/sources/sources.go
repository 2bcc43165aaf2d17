package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/geoquery/backend/internal/store"
	"github.com/geoquery/backend/internal/table"
)

// Sentinel step names the planner may emit that no adapter serves: "System"
// marks a transformation step, "Other" marks an off-topic request.
const (
	SentinelSystem = "System"
	SentinelOther  = "Other"
)

// Source is a data source a plan step can name. Concrete adapters implement
// TabularSource or TextSource on top of this.
type Source interface {
	Name() string
	Description() string
}

// TabularSource answers a natural-language request with a table. The
// session's result store rides along so adapters can rewrite requests that
// reference prior results.
type TabularSource interface {
	Source
	Fetch(ctx context.Context, st *store.Store, request string) (*table.Table, error)
}

// TextSource answers a natural-language request with prose.
type TextSource interface {
	Source
	FetchText(ctx context.Context, request string) (string, error)
}

// WrapText lifts a prose answer into a one-cell table so text sources flow
// through the same result handling as tabular ones.
func WrapText(text string) *table.Table {
	tbl := table.New("Text")
	_ = tbl.AppendRow(text)
	return tbl
}

// Registry holds the registered sources in registration order. Registration
// happens during startup; lookups run concurrently afterwards.
type Registry struct {
	names  []string
	byName map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Source)}
}

func (r *Registry) Register(s Source) {
	key := normalize(s.Name())
	if _, exists := r.byName[key]; !exists {
		r.names = append(r.names, s.Name())
	}
	r.byName[key] = s
}

// Lookup resolves a source by name, case-insensitively.
func (r *Registry) Lookup(name string) (Source, error) {
	s, ok := r.byName[normalize(name)]
	if !ok {
		return nil, NewUnknownSourceError(name)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Catalog renders the registered sources for planner prompts, one
// "name: description" line per source.
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, name := range r.names {
		s := r.byName[normalize(name)]
		fmt.Fprintf(&b, "- %s: %s\n", s.Name(), s.Description())
	}
	return b.String()
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
