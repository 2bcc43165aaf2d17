package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/sources"
	"github.com/geoquery/backend/internal/transform"
	"github.com/geoquery/backend/pkg/logger"
)

// Planner decomposes a request into an ordered plan: a linear multi-step
// plan for ordinary requests, or the fixed 3-step plan for aggregations.
type Planner struct {
	oracle   oracle.Oracle
	registry *sources.Registry
}

func NewPlanner(o oracle.Oracle, registry *sources.Registry) *Planner {
	return &Planner{oracle: o, registry: registry}
}

const linearPlanPrompt = `You are an expert at query planning across different data sources.
The following are the registered data sources:
%s
Each data source loads one dataset at a time for a specific entity or attribute described above.

Request: %s

Transform this request into a list of requests, ensuring that each request uses only one
particular data source and the data fetched by prior requests in the list. To use data fetched
by an earlier request, repeat the earlier request's wording inside the later request.

Every request in the list must satisfy:
    1. Each request is independent and returns one dataset.
    2. No reference to a previous request, e.g. "the first request".
    3. No pronouns like "it" or "they".
    4. Use the same expressions to refer to data fetched by earlier requests.
    5. Two consecutive requests never use the same data source.
    6. For two consecutive requests, the latter is a semantic expansion of the former.

Return a JSON list of objects with these fields:
    1. request: the text of the request
    2. data_source: the data source name to use
    3. origin: "User" if the original request asked to see this data, "System" otherwise

If the request is beyond the scope of all data sources, route the original request to the
data_source "Other".

[ Example 1 ]
Find the population for all counties downstream of the coal power station named 'Pike Rock' along Muskingum River.

Return:
[
    {"request": "Find the coal power station named 'Pike Rock'", "data_source": "Energy Atlas", "origin": "System"},
    {"request": "Find all counties downstream of the coal power station named 'Pike Rock' along Muskingum River", "data_source": "Knowledge Graph", "origin": "System"},
    {"request": "Find the population for all counties downstream of the coal power station named 'Pike Rock' along Muskingum River", "data_source": "Statistical Variables", "origin": "User"}
]
Note that no two consecutive requests share a data source, and each request repeats the
earlier wording instead of referencing it.

[ Example 2 ]
Find Ross County in Ohio State.

Return:
[
    {"request": "Find Ross County in Ohio State", "data_source": "Knowledge Graph", "origin": "User"}
]
The graph holds counties and states, so one request suffices.

[ Example 3 ]
Find Ohio River and all counties it flows through.

Return:
[
    {"request": "Find Ohio River", "data_source": "Knowledge Graph", "origin": "User"},
    {"request": "Find all counties Ohio River flows through", "data_source": "Knowledge Graph", "origin": "User"}
]
Both loads are asked for by the user, so both carry origin "User".

Don't put any quotes at the top of the returned JSON list.`

// Linear plans a non-aggregation request. The returned plan has passed the
// adjacency-collapse pass; a plan that still violates the adjacency
// invariant afterwards is logged and returned as-is.
func (p *Planner) Linear(ctx context.Context, request string) (Plan, error) {
	prompt := fmt.Sprintf(linearPlanPrompt, p.registry.Catalog(), request)

	raw, err := p.oracle.Infer(ctx, prompt, oracle.JSONList)
	if err != nil {
		return nil, fmt.Errorf("failed to plan request: %w", err)
	}

	plan, err := oracle.DecodeList[PlanStep](raw)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return nil, errors.New("planner returned an empty plan")
	}
	for i, step := range plan {
		if strings.TrimSpace(step.Request) == "" || strings.TrimSpace(step.DataSource) == "" {
			return nil, fmt.Errorf("plan step %d is missing a request or data source", i+1)
		}
	}

	collapsed := Collapse(plan, p.registry.Names())

	metrics.PlanSteps.Observe(float64(len(collapsed)))
	if removed := len(plan) - len(collapsed); removed > 0 {
		metrics.PlanStepsCollapsed.Add(float64(removed))
	}
	return collapsed, nil
}

// Collapse applies the consecutive-source collapse once per source name and
// logs any adjacency violations that survive. Collapse corrects plans, it
// never rejects them.
func Collapse(plan Plan, sourceNames []string) Plan {
	collapsed := plan
	for _, name := range sourceNames {
		collapsed = collapseConsecutive(collapsed, name)
	}

	for _, i := range adjacencyViolations(collapsed) {
		logger.Warn("Plan violates source adjacency after collapse",
			zap.Int("step", i+1),
			zap.String("data_source", collapsed[i].DataSource),
		)
	}
	return collapsed
}

const aggregationPlanPrompt = `You are an expert at query planning across different data sources.
The following are the registered data sources:
%s

Extract the key components from the user request, which describes an aggregation query.

Extraction rules:
    - Grouping Object: the entity used for grouping (e.g., county, watershed).
        If not explicitly stated, infer the most reasonable entity. If several exist, choose the most specific.
    - Summarizing Object: the entity being aggregated (e.g., river, dam).
        Never use "aggregation" as a placeholder, always extract a meaningful entity.
    - Association Conditions: the relationship between grouping and summarizing objects.
        If missing, infer a reasonable one (e.g., "river flows through county").
    - Aggregation Function: COUNT, SUM, MAX, AVG, or ARGMAX, always uppercase.
        If missing, infer the most logical function.
    - Preconditions: filters applied before aggregation (e.g., "county is in Ohio"). Null if none.
    - Postconditions: filters applied after aggregation (e.g., "COUNT > 5"). Null if none.

Also create a query plan that first loads the grouping objects using the preconditions, then
loads the summarizing objects, and finally solves the request with the data source "System".

[ Example ]
User Request: "For each county in Ohio, find the number of rivers flowing through the county."

This request corresponds to the query:
    SELECT county, COUNT(river) FROM county, river
    WHERE county IN 'Ohio' AND river INTERSECTS county GROUP BY county

Return:
{
  "grouping_object": "county",
  "summarizing_object": "river",
  "association_conditions": "river flows through county",
  "aggregation_function": "COUNT",
  "preconditions": "county in Ohio state",
  "postconditions": null,
  "query_plan": [
      {"request": "Find all counties in Ohio state", "data_source": "Knowledge Graph"},
      {"request": "Find all rivers", "data_source": "Knowledge Graph"},
      {"request": "Find the number of rivers flowing through each county in Ohio state", "data_source": "System"}
  ]
}

Strict guidelines:
    - Never return generic placeholders; "grouping_object" and "summarizing_object" are never null.
    - The plan has exactly 3 steps and the last step's "data_source" is "System".
    - Only return a JSON object, no explanations.

User Request:
%s

Don't put any quotes at the top of the returned JSON string.`

// Aggregation plans an aggregation request into an AggregationSpec with the
// fixed 3-step plan.
func (p *Planner) Aggregation(ctx context.Context, request string) (*AggregationSpec, error) {
	prompt := fmt.Sprintf(aggregationPlanPrompt, p.registry.Catalog(), request)

	raw, err := p.oracle.Infer(ctx, prompt, oracle.JSONObject)
	if err != nil {
		return nil, fmt.Errorf("failed to plan aggregation: %w", err)
	}

	spec, err := oracle.DecodeObject[AggregationSpec](raw)
	if err != nil {
		return nil, err
	}
	if err := validateAggregationSpec(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func validateAggregationSpec(spec *AggregationSpec) error {
	if strings.TrimSpace(spec.GroupingObject) == "" {
		return errors.New("aggregation plan is missing a grouping object")
	}
	if strings.TrimSpace(spec.SummarizingObject) == "" {
		return errors.New("aggregation plan is missing a summarizing object")
	}

	fn, err := transform.ParseFunction(spec.Function)
	if err != nil {
		return err
	}
	spec.Function = string(fn)

	if len(spec.Plan) != 3 {
		return fmt.Errorf("aggregation plan has %d steps, want 3", len(spec.Plan))
	}
	for i := 0; i < 2; i++ {
		if strings.TrimSpace(spec.Plan[i].Request) == "" {
			return fmt.Errorf("aggregation plan step %d has an empty request", i+1)
		}
	}
	if spec.Plan[2].DataSource != sources.SentinelSystem {
		return fmt.Errorf("aggregation plan's final step must use %q, got %q",
			sources.SentinelSystem, spec.Plan[2].DataSource)
	}
	return nil
}
