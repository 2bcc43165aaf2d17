package orchestrator

import (
	"context"
	"fmt"

	"github.com/geoquery/backend/internal/oracle"
)

// Classifier decides whether a request is an aggregation query: one that
// partitions entities into groups, associates summarized entities with
// them, and applies an aggregation function.
type Classifier struct {
	oracle oracle.Oracle
}

func NewClassifier(o oracle.Oracle) *Classifier {
	return &Classifier{oracle: o}
}

const classifierPrompt = `You are a query expert and need to decide whether the user request is an aggregation query.
An aggregation request may involve 5 core components:
    1) Grouping Objects: entities to partition data by (e.g., counties, watersheds).
    2) Summarizing Objects: entities to aggregate (e.g., rivers, dams).
    3) Association Conditions: relationships between grouping and summarizing objects (e.g., spatial containment, spatial intersection).
    4) Aggregation Function: one of COUNT, SUM, MAX, AVG, or ARGMAX (for object-centric results).
    5) Pre-/Post-Conditions: filters applied before/after aggregation (e.g., counties in Ohio State, result thresholds).
An aggregation request must use an aggregation function. It is not an aggregation request if no aggregation function is used.
For example, "find all counties the Scioto River flows through" is not an aggregation request because it uses no aggregation function.

These requests are aggregation queries:
    Find the number of rivers flowing through each county in Ohio. (COUNT)
    Find the number of dams in each county in Ohio. (COUNT)
    Find the total generation capacity of gas power plants in each county in Ohio. (SUM)
    Find the longest river in each county of Ohio. (MAX)
    Find the county with the highest number of hospitals in Ohio. (ARGMAX)
    Find all counties with more than 5 hospitals in Ohio. (COUNT)

These requests are not aggregation queries:
    Find the number of people employed in all counties the Scioto River flows through.
    (the number of people employed is already a statistical variable held by a data source, not a count over fetched entities)

Here is the user's request:
%s

Return {"is_aggregation_query": false} or {"is_aggregation_query": true}. Don't put any quotes at the top of the returned JSON string.`

// IsAggregation classifies the request. A listing or filter without an
// aggregation function classifies false, even when it reads like a count
// that a source already holds as a variable.
func (c *Classifier) IsAggregation(ctx context.Context, request string) (bool, error) {
	raw, err := c.oracle.Infer(ctx, fmt.Sprintf(classifierPrompt, request), oracle.JSONObject)
	if err != nil {
		return false, fmt.Errorf("failed to classify request: %w", err)
	}

	reply, err := oracle.DecodeObject[struct {
		IsAggregationQuery bool `json:"is_aggregation_query"`
	}](raw)
	if err != nil {
		return false, err
	}
	return reply.IsAggregationQuery, nil
}
