package sources

import (
	"fmt"

	"github.com/paulmach/orb"
)

// BoundHint renders the constraint sentence appended to requests that must
// be scoped by an earlier result's extent.
func BoundHint(b orb.Bound) string {
	return fmt.Sprintf("(Please only consider the data intersecting with the bounding box from (%.6f, %.6f) to (%.6f, %.6f))",
		b.Min[0], b.Min[1], b.Max[0], b.Max[1])
}
