package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/geoquery/backend/internal/table"
)

// Filter keeps the rows for which the predicate evaluates to true. Cells are
// exposed as parameters named after their column; numeric cells evaluate as
// numbers. Column names containing spaces must be written as [Column Name].
func Filter(tbl *table.Table, predicate string) (*table.Table, error) {
	expr, err := govaluate.NewEvaluableExpression(predicate)
	if err != nil {
		return nil, fmt.Errorf("invalid predicate %q: %w", predicate, err)
	}

	out := table.New(tbl.ColumnNames()...)
	for i := 0; i < tbl.NumRows(); i++ {
		params := make(map[string]interface{}, tbl.NumCols())
		for _, col := range tbl.Columns {
			params[col.Name] = cellValue(col.Values[i])
		}

		result, err := expr.Evaluate(params)
		if err != nil {
			return nil, fmt.Errorf("predicate %q on row %d: %w", predicate, i, err)
		}
		keep, ok := result.(bool)
		if !ok {
			return nil, fmt.Errorf("predicate %q is not boolean", predicate)
		}
		if keep {
			_ = out.AppendRow(tbl.Row(i)...)
		}
	}
	return out, nil
}

func cellValue(s string) interface{} {
	trimmed := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return s
}
