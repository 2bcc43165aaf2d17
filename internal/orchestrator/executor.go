package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/sources"
	"github.com/geoquery/backend/internal/store"
	"github.com/geoquery/backend/internal/table"
	"github.com/geoquery/backend/internal/transform"
	"github.com/geoquery/backend/pkg/logger"
)

// Progress receives lifecycle and step-by-step execution events. Any
// callback may be nil, as may the Progress itself.
type Progress struct {
	StateChanged func(state, detail string)
	StepStarted  func(index, total int, step PlanStep)
	StepFinished func(index, total int, step PlanStep, reused bool)
}

func (p *Progress) state(state, detail string) {
	if p != nil && p.StateChanged != nil {
		p.StateChanged(state, detail)
	}
}

func (p *Progress) started(index, total int, step PlanStep) {
	if p != nil && p.StepStarted != nil {
		p.StepStarted(index, total, step)
	}
}

func (p *Progress) finished(index, total int, step PlanStep, reused bool) {
	if p != nil && p.StepFinished != nil {
		p.StepFinished(index, total, step, reused)
	}
}

// Executor walks a plan strictly in order, dispatching each step to its
// source adapter, feeding the session's result store forward, and reusing
// store-resident results when a step's request is already answered. It
// never retries a failed step; retries live inside the adapters.
type Executor struct {
	oracle   oracle.Oracle
	registry *sources.Registry
}

func NewExecutor(o oracle.Oracle, registry *sources.Registry) *Executor {
	return &Executor{oracle: o, registry: registry}
}

// Execute runs a linear plan and returns the final step's result. Every
// produced result is appended to the store, intermediates as System and the
// final step as User, so later steps and later requests can discover them.
func (e *Executor) Execute(ctx context.Context, st *store.Store, plan Plan, progress *Progress) (*store.AnnotatedResult, error) {
	var result *store.AnnotatedResult

	for i, step := range plan {
		progress.started(i+1, len(plan), step)

		creator := store.CreatorSystem
		if i == len(plan)-1 {
			creator = store.CreatorUser
		}

		res, reused, err := e.fetchStep(ctx, st, step, creator)
		if err != nil {
			return nil, fmt.Errorf("step %d/%d (%s) %q: %w",
				i+1, len(plan), step.DataSource, step.Request, err)
		}

		result = res
		progress.finished(i+1, len(plan), step, reused)
	}
	return result, nil
}

// fetchStep resolves one step: reuse a semantically equivalent store entry
// when one exists, otherwise dispatch to the adapter and append the fresh
// result. Reuse of a final step promotes the entry's creator to User.
func (e *Executor) fetchStep(ctx context.Context, st *store.Store, step PlanStep, creator store.Creator) (*store.AnnotatedResult, bool, error) {
	cached, ok, err := st.Find(ctx, step.Request)
	if err != nil {
		// Semantic lookup is best effort; a bad oracle reply must not
		// fail a step the adapter could still resolve.
		logger.Warn("Store lookup failed, fetching fresh",
			zap.String("request", step.Request),
			zap.Error(err))
	}
	if ok {
		if creator == store.CreatorUser {
			st.Reclassify(cached, store.CreatorUser)
		}
		return cached, true, nil
	}

	src, err := e.registry.Lookup(step.DataSource)
	if err != nil {
		return nil, false, err
	}

	var tbl *table.Table
	switch s := src.(type) {
	case sources.TabularSource:
		tbl, err = s.Fetch(ctx, st, step.Request)
	case sources.TextSource:
		var text string
		text, err = s.FetchText(ctx, step.Request)
		if err == nil {
			tbl = sources.WrapText(text)
		}
	default:
		return nil, false, fmt.Errorf("source %q implements no fetch variant", step.DataSource)
	}
	if err != nil {
		return nil, false, err
	}
	if tbl.Empty() {
		return nil, false, sources.NewEmptyResultError(step.DataSource, step.Request)
	}

	return st.Add(step.Request, tbl, creator), false, nil
}

// ExecuteAggregation runs the fixed 3-step aggregation path: fetch the
// grouping set, fetch the summarizing set scoped to the grouping set's
// bounding box, then apply the synthesized transformation. The grouping and
// summarizing steps are never reordered; the summarizing request depends on
// the grouping result's extent.
func (e *Executor) ExecuteAggregation(ctx context.Context, st *store.Store, spec *AggregationSpec, progress *Progress) (*store.AnnotatedResult, error) {
	groupingStep := spec.Plan[0]
	progress.started(1, 3, groupingStep)

	grouping, reused, err := e.fetchStep(ctx, st, groupingStep, store.CreatorSystem)
	if err != nil {
		return nil, fmt.Errorf("grouping step %q: %w", groupingStep.Request, err)
	}
	progress.finished(1, 3, groupingStep, reused)

	bound, err := grouping.Table.Bound()
	if err != nil {
		return nil, fmt.Errorf("grouping result for %q has no usable geometry: %w",
			groupingStep.Request, err)
	}

	summarizingStep := spec.Plan[1]
	summarizingStep.Request = fmt.Sprintf("%s %s", spec.Plan[1].Request, sources.BoundHint(bound))
	progress.started(2, 3, summarizingStep)

	summarizing, reused, err := e.fetchStep(ctx, st, summarizingStep, store.CreatorSystem)
	if err != nil {
		return nil, fmt.Errorf("summarizing step %q: %w", summarizingStep.Request, err)
	}
	progress.finished(2, 3, summarizingStep, reused)

	synthesisStep := spec.Plan[2]
	progress.started(3, 3, synthesisStep)

	out, err := e.synthesize(ctx, spec, grouping.Table, summarizing.Table)
	if err != nil {
		return nil, fmt.Errorf("aggregation step %q: %w", synthesisStep.Request, err)
	}
	if out.Empty() {
		return nil, sources.NewEmptyResultError(sources.SentinelSystem, synthesisStep.Request)
	}

	result := st.Add(synthesisStep.Request, out, store.CreatorUser)
	progress.finished(3, 3, synthesisStep, false)
	return result, nil
}

// transformReply is the oracle's parameterization of the aggregation
// transform. The oracle picks columns and predicates; the transform itself
// is fixed code.
type transformReply struct {
	Function      string `json:"aggregation_function"`
	Relation      string `json:"spatial_relation"`
	ValueColumn   string `json:"value_column"`
	Precondition  string `json:"precondition"`
	Postcondition string `json:"postcondition"`
}

const synthesisPrompt = `Two datasets have been loaded to answer an aggregation request.

Grouping dataset (one output row per row here), first rows as CSV:
%s

Summarizing dataset (rows aggregated under the grouping rows), first rows as CSV:
%s

Aggregation request: %s
Association between the datasets: %s
Aggregation function: %s

Pick the parameters for the aggregation:
    spatial_relation: "intersects", "contains", or "within" - how a summarizing row associates with a grouping row.
    value_column: for SUM, MAX, AVG or ARGMAX, the numeric column of the summarizing dataset to aggregate; "" for COUNT.
    precondition: a filter over the summarizing dataset's columns applied before aggregation, e.g. CapacityMW > 100; "" if none.
    postcondition: a filter over the result columns applied after aggregation, e.g. Count > 5; "" if none.
    aggregation_function: confirm or correct the function, one of COUNT, SUM, MAX, AVG, ARGMAX.

Filters compare column names against literal values with operators >, >=, <, <=, ==, !=.
Wrap a column name containing spaces in square brackets, e.g. [Total Capacity] > 50.

Return a JSON object with the keys aggregation_function, spatial_relation, value_column,
precondition, postcondition and nothing else. Don't put any quotes at the top of the returned
JSON string.`

func (e *Executor) synthesize(ctx context.Context, spec *AggregationSpec, grouping, summarizing *table.Table) (*table.Table, error) {
	prompt := fmt.Sprintf(synthesisPrompt,
		grouping.Head(5).CSV(),
		summarizing.Head(5).CSV(),
		spec.Plan[2].Request,
		spec.Association,
		spec.Function,
	)

	raw, err := e.oracle.Infer(ctx, prompt, oracle.JSONObject)
	if err != nil {
		return nil, fmt.Errorf("failed to parameterize aggregation: %w", err)
	}
	reply, err := oracle.DecodeObject[transformReply](raw)
	if err != nil {
		return nil, err
	}

	function := strings.TrimSpace(reply.Function)
	if function == "" {
		function = spec.Function
	}
	fn, err := transform.ParseFunction(function)
	if err != nil {
		return nil, err
	}

	if pre := strings.TrimSpace(reply.Precondition); pre != "" {
		summarizing, err = transform.Filter(summarizing, pre)
		if err != nil {
			return nil, fmt.Errorf("precondition %q: %w", pre, err)
		}
	}

	out, err := transform.Aggregate(grouping, summarizing, transform.AggregateSpec{
		Function:    fn,
		ValueColumn: strings.TrimSpace(reply.ValueColumn),
		Relation:    transform.ParseRelation(reply.Relation),
	})
	if err != nil {
		return nil, err
	}

	if post := strings.TrimSpace(reply.Postcondition); post != "" {
		out, err = transform.Filter(out, post)
		if err != nil {
			return nil, fmt.Errorf("postcondition %q: %w", post, err)
		}
	}

	metrics.AggregationTotal.WithLabelValues(string(fn)).Inc()
	return out, nil
}
