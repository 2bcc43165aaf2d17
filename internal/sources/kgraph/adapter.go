package kgraph

import (
	"context"
	"fmt"
	"strings"
	"time"

	prose "github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/concepts"
	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/sources"
	"github.com/geoquery/backend/internal/store"
	"github.com/geoquery/backend/internal/table"
	"github.com/geoquery/backend/pkg/logger"
	"github.com/geoquery/backend/pkg/retry"
)

const (
	sourceName    = "Knowledge Graph"
	conceptSource = "knowledge graph"

	coverage = "United States administrative and hydrographic entities: states, counties, rivers, watersheds, and their WKT geometries"
)

// QueryRunner executes a synthesized graph query.
type QueryRunner interface {
	Run(ctx context.Context, query string, params map[string]interface{}) ([]string, [][]string, error)
}

// ConceptSearcher grounds query synthesis with schema vocabulary.
type ConceptSearcher interface {
	Search(ctx context.Context, embedding []float32, topK int, source string) ([]concepts.Match, error)
}

// Adapter answers requests about administrative and hydrographic entities
// from the graph database. Each fetch synthesizes a fresh query per attempt;
// requests referencing entities outside the graph's coverage are rewritten
// against a stored result's bounding box.
type Adapter struct {
	runner      QueryRunner
	oracle      oracle.Oracle
	concepts    ConceptSearcher
	maxAttempts int
}

func NewAdapter(runner QueryRunner, o oracle.Oracle, cs ConceptSearcher) *Adapter {
	return &Adapter{
		runner:      runner,
		oracle:      o,
		concepts:    cs,
		maxAttempts: 5,
	}
}

func (a *Adapter) Name() string { return sourceName }

func (a *Adapter) Description() string {
	return coverage
}

func (a *Adapter) Fetch(ctx context.Context, st *store.Store, request string) (*table.Table, error) {
	outOfScope, err := a.outOfScopeEntities(ctx, request)
	if err != nil {
		return nil, err
	}

	if len(outOfScope) > 0 {
		rewritten, err := a.rewriteWithStoredBound(ctx, st, request, outOfScope[0])
		if err != nil {
			metrics.AdapterFailures.WithLabelValues(sourceName, "missing_prior_data").Inc()
			return nil, err
		}
		logger.Debug("Request rewritten against stored bound",
			zap.String("request", request),
			zap.String("rewritten", rewritten),
		)
		request = rewritten
	}

	return a.fetch(ctx, request)
}

// outOfScopeEntities names the noun phrases in the request the graph does
// not cover.
func (a *Adapter) outOfScopeEntities(ctx context.Context, request string) ([]string, error) {
	entities := extractEntities(request)
	if len(entities) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf(`A graph database covers: %s.

The following entities appear in a request:
%s

Which of them does the graph NOT cover? Answer with a JSON list of the uncovered entity names, or [] if the graph covers all of them.`,
		coverage, "- "+strings.Join(entities, "\n- "))

	raw, err := a.oracle.Infer(ctx, prompt, oracle.JSONList)
	if err != nil {
		return nil, err
	}
	return oracle.DecodeList[string](raw)
}

// rewriteWithStoredBound reworks a request around an uncovered entity using
// the bounding box of a stored result that covers it.
func (a *Adapter) rewriteWithStoredBound(ctx context.Context, st *store.Store, request, entity string) (string, error) {
	if st == nil {
		return "", sources.NewMissingPriorDataError(sourceName, request, entity)
	}

	found, ok, err := st.Find(ctx, fmt.Sprintf("data about %s", entity))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", sources.NewMissingPriorDataError(sourceName, request, entity)
	}

	bound, err := found.Table.Bound()
	if err != nil {
		return "", sources.NewMissingPriorDataError(sourceName, request, entity)
	}

	prompt := fmt.Sprintf(`Rewrite the request below so it no longer mentions "%s" and instead restricts the search area with this constraint: %s

Request: %s

Reply with only the rewritten request.`,
		entity, sources.BoundHint(bound), request)

	return a.oracle.Infer(ctx, prompt, oracle.FreeText)
}

func (a *Adapter) fetch(ctx context.Context, request string) (*table.Table, error) {
	var tbl *table.Table
	var lastErr error
	attempts := 0

	cfg := retry.Config{
		MaxAttempts:    a.maxAttempts,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	err := retry.DoIndexed(ctx, cfg, func(attempt int) error {
		attempts = attempt
		t, err := a.attemptOnce(ctx, request)
		if err != nil {
			lastErr = err
			return err
		}
		tbl = t
		return nil
	})

	metrics.AdapterAttempts.WithLabelValues(sourceName).Observe(float64(attempts))

	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		metrics.AdapterFailures.WithLabelValues(sourceName, "resolution").Inc()
		return nil, sources.NewResolutionError(sourceName, request, attempts, lastErr)
	}
	return tbl, nil
}

// attemptOnce synthesizes one fresh query, runs it, and converts the rows.
func (a *Adapter) attemptOnce(ctx context.Context, request string) (*table.Table, error) {
	grounding := a.groundingBlock(ctx, request)

	prompt := fmt.Sprintf(`Write a Cypher query answering the request below against a graph of %s.
%s
Rules:
- Return tabular rows with explicit column aliases.
- The first column identifies each entity (its name).
- When the entity has a geometry, return its WKT in a column whose name ends in "Geometry".
- Add LIMIT 500 unless the request asks for a count.

Request: %s

Reply with only the query.`, coverage, grounding, request)

	query, err := a.oracle.Infer(ctx, prompt, oracle.FreeText)
	if err != nil {
		return nil, err
	}

	cols, rows, err := a.runner.Run(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("query returned no rows")
	}

	return table.FromRows(cols, rows)
}

// groundingBlock renders the schema concepts most relevant to the request.
// Grounding is best-effort: any failure yields an empty block.
func (a *Adapter) groundingBlock(ctx context.Context, request string) string {
	if a.concepts == nil {
		return ""
	}

	embeddings, err := a.oracle.Embed(ctx, []string{request})
	if err != nil || len(embeddings) == 0 {
		return ""
	}

	matches, err := a.concepts.Search(ctx, embeddings[0], 20, conceptSource)
	if err != nil || len(matches) == 0 {
		return ""
	}

	selected := a.relevantMatches(ctx, request, matches)

	var b strings.Builder
	b.WriteString("\nSchema concepts that may help:\n")
	for _, m := range selected {
		fmt.Fprintf(&b, "- %s (%s): %s\n", m.Name, m.Kind, m.Description)
	}
	return b.String()
}

// relevantMatches asks the oracle to narrow the candidate concepts in one
// round; on any failure the full candidate list is used.
func (a *Adapter) relevantMatches(ctx context.Context, request string, matches []concepts.Match) []concepts.Match {
	lines := make([]string, len(matches))
	for i, m := range matches {
		lines[i] = fmt.Sprintf("%d: %s (%s): %s", i, m.Name, m.Kind, m.Description)
	}

	prompt := fmt.Sprintf(`Candidate schema concepts:
%s

Which concepts are relevant to answering: %s

Answer with a JSON list of the relevant indices.`, strings.Join(lines, "\n"), request)

	raw, err := a.oracle.Infer(ctx, prompt, oracle.JSONList)
	if err != nil {
		return matches
	}
	indices, err := oracle.DecodeList[int](raw)
	if err != nil {
		return matches
	}

	var selected []concepts.Match
	for _, idx := range indices {
		if idx >= 0 && idx < len(matches) {
			selected = append(selected, matches[idx])
		}
	}
	if len(selected) == 0 {
		return matches
	}
	return selected
}

// extractEntities pulls named entities out of the request, falling back to
// runs of proper nouns when the tagger finds none.
func extractEntities(request string) []string {
	doc, err := prose.NewDocument(request)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var entities []string
	add := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" || seen[strings.ToLower(text)] {
			return
		}
		seen[strings.ToLower(text)] = true
		entities = append(entities, text)
	}

	for _, e := range doc.Entities() {
		add(e.Text)
	}
	if len(entities) > 0 {
		return entities
	}

	var run []string
	flush := func() {
		if len(run) > 0 {
			add(strings.Join(run, " "))
			run = nil
		}
	}
	for _, tok := range doc.Tokens() {
		if tok.Tag == "NNP" || tok.Tag == "NNPS" {
			run = append(run, tok.Text)
			continue
		}
		flush()
	}
	flush()

	return entities
}
