package orchestrator

import (
	"github.com/geoquery/backend/internal/sources"
)

// Step origins: User marks output the requester asked for directly, System
// marks an intermediate load the plan needs along the way.
const (
	OriginUser   = "User"
	OriginSystem = "System"
)

// PlanStep is one atomic sub-request bound to exactly one data source.
type PlanStep struct {
	Request    string `json:"request"`
	DataSource string `json:"data_source"`
	Origin     string `json:"origin"`
}

// Plan is an ordered sequence of steps, executed front to back.
type Plan []PlanStep

// IsOffTopic reports whether the planner routed any part of the request to
// the "Other" sentinel, meaning no registered source can serve it.
func (p Plan) IsOffTopic() bool {
	for _, step := range p {
		if step.DataSource == sources.SentinelOther {
			return true
		}
	}
	return false
}

// Sources lists the distinct data sources the plan touches, in step order.
func (p Plan) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, step := range p {
		if !seen[step.DataSource] {
			seen[step.DataSource] = true
			out = append(out, step.DataSource)
		}
	}
	return out
}

// AggregationSpec is the structured decomposition of an aggregation request:
// what to group by, what to summarize, how they associate, and the fixed
// 3-step plan (grouping fetch, summarizing fetch, synthesis).
type AggregationSpec struct {
	GroupingObject    string `json:"grouping_object"`
	SummarizingObject string `json:"summarizing_object"`
	Association       string `json:"association_conditions"`
	Function          string `json:"aggregation_function"`
	Preconditions     string `json:"preconditions"`
	Postconditions    string `json:"postconditions"`
	Plan              Plan   `json:"query_plan"`
}

// collapseConsecutive removes a step when the step after it loads from the
// same source and the step itself is only an intermediate: the later step
// re-requests the accumulated semantics, so the earlier load is redundant.
// One deletion restarts the scan until no deletable pair remains.
func collapseConsecutive(plan Plan, source string) Plan {
	for i := 0; i < len(plan)-1; i++ {
		if plan[i].DataSource == source && plan[i].Origin == OriginSystem &&
			plan[i+1].DataSource == source {
			collapsed := make(Plan, 0, len(plan)-1)
			collapsed = append(collapsed, plan[:i]...)
			collapsed = append(collapsed, plan[i+1:]...)
			return collapseConsecutive(collapsed, source)
		}
	}
	return plan
}

// adjacencyViolations returns the indexes i where steps i and i+1 still
// share a non-sentinel data source after collapsing.
func adjacencyViolations(plan Plan) []int {
	var out []int
	for i := 0; i < len(plan)-1; i++ {
		if plan[i].DataSource == sources.SentinelSystem {
			continue
		}
		if plan[i].DataSource == plan[i+1].DataSource {
			out = append(out, i)
		}
	}
	return out
}
