package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/geoquery/backend/internal/table"
)

// Function is a summarizing function over a grouped association.
type Function string

const (
	Count  Function = "COUNT"
	Sum    Function = "SUM"
	Max    Function = "MAX"
	Avg    Function = "AVG"
	ArgMax Function = "ARGMAX"
)

func ParseFunction(s string) (Function, error) {
	f := Function(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case Count, Sum, Max, Avg, ArgMax:
		return f, nil
	}
	return "", fmt.Errorf("unknown aggregation function: %s", s)
}

// Relation is the spatial association of a summarizing row to a grouping
// row: the summarizing geometry intersects, contains, or lies within the
// grouping geometry.
type Relation string

const (
	Intersects Relation = "intersects"
	Contains   Relation = "contains"
	Within     Relation = "within"
)

func ParseRelation(s string) Relation {
	switch Relation(strings.ToLower(strings.TrimSpace(s))) {
	case Contains:
		return Contains
	case Within:
		return Within
	default:
		return Intersects
	}
}

// AggregateSpec parameterizes one Aggregate call. ValueColumn is required
// for SUM, MAX and AVG.
type AggregateSpec struct {
	Function    Function
	ValueColumn string
	Relation    Relation
}

// Aggregate groups the summarizing rows under the grouping rows by spatial
// association and applies the summarizing function per group. The output
// identity column is named "Name".
func Aggregate(grouping, summarizing *table.Table, spec AggregateSpec) (*table.Table, error) {
	groupGeoms, err := grouping.Geometries()
	if err != nil {
		return nil, fmt.Errorf("grouping table: %w", err)
	}
	sumGeoms, err := summarizing.Geometries()
	if err != nil {
		return nil, fmt.Errorf("summarizing table: %w", err)
	}

	identity, ok := grouping.Column(grouping.IdentityColumn())
	if !ok {
		return nil, fmt.Errorf("grouping table has no identity column")
	}

	var values []float64
	switch spec.Function {
	case Sum, Max, Avg:
		if spec.ValueColumn == "" {
			return nil, fmt.Errorf("%s requires a value column", spec.Function)
		}
		values, err = summarizing.Float64s(spec.ValueColumn)
		if err != nil {
			return nil, err
		}
	case Count, ArgMax:
	default:
		return nil, fmt.Errorf("unknown aggregation function: %s", spec.Function)
	}

	rel := spec.Relation
	if rel == "" {
		rel = Intersects
	}

	groups := make([][]int, len(groupGeoms))
	for gi, gg := range groupGeoms {
		if gg == nil {
			continue
		}
		for si, sg := range sumGeoms {
			if sg == nil {
				continue
			}
			if associated(gg, sg, rel) {
				groups[gi] = append(groups[gi], si)
			}
		}
	}

	switch spec.Function {
	case Count:
		out := table.New("Name", "Count")
		for gi, members := range groups {
			_ = out.AppendRow(identity.Values[gi], strconv.Itoa(len(members)))
		}
		return out, nil

	case Sum:
		out := table.New("Name", "Total")
		for gi, members := range groups {
			total := 0.0
			for _, si := range members {
				total += values[si]
			}
			_ = out.AppendRow(identity.Values[gi], formatFloat(total))
		}
		return out, nil

	case Avg:
		out := table.New("Name", "Average")
		for gi, members := range groups {
			if len(members) == 0 {
				continue
			}
			total := 0.0
			for _, si := range members {
				total += values[si]
			}
			_ = out.AppendRow(identity.Values[gi], formatFloat(total/float64(len(members))))
		}
		return out, nil

	case Max:
		out := table.New("Name", "Max")
		for gi, members := range groups {
			if len(members) == 0 {
				continue
			}
			best := values[members[0]]
			for _, si := range members[1:] {
				if values[si] > best {
					best = values[si]
				}
			}
			_ = out.AppendRow(identity.Values[gi], formatFloat(best))
		}
		return out, nil

	case ArgMax:
		bestIdx, bestCount := -1, -1
		for gi, members := range groups {
			if len(members) > bestCount {
				bestIdx, bestCount = gi, len(members)
			}
		}
		out := table.New("Name", "Count")
		if bestIdx >= 0 {
			_ = out.AppendRow(identity.Values[bestIdx], strconv.Itoa(bestCount))
		}
		return out, nil
	}

	return nil, fmt.Errorf("unknown aggregation function: %s", spec.Function)
}

// associated reports whether the summarizing geometry relates to the
// grouping geometry; the relation's subject is the summarizing row.
// Point-in-polygon checks are exact; everything else falls back to
// bounding-box tests.
func associated(group, sum orb.Geometry, rel Relation) bool {
	switch rel {
	case Contains:
		return containsGeometry(sum, group)
	case Within:
		return containsGeometry(group, sum)
	default:
		if p, ok := sum.(orb.Point); ok {
			return containsPoint(group, p)
		}
		if p, ok := group.(orb.Point); ok {
			return containsPoint(sum, p)
		}
		return group.Bound().Intersects(sum.Bound())
	}
}

func containsGeometry(outer, inner orb.Geometry) bool {
	if p, ok := inner.(orb.Point); ok {
		return containsPoint(outer, p)
	}
	b := inner.Bound()
	return containsPoint(outer, b.Min) && containsPoint(outer, b.Max)
}

func containsPoint(g orb.Geometry, p orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, p)
	default:
		return g.Bound().Contains(p)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
