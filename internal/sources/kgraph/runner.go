package kgraph

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/geoquery/backend/pkg/circuitbreaker"
	"github.com/geoquery/backend/pkg/logger"
	"github.com/geoquery/backend/pkg/retry"
)

// Runner executes oracle-synthesized queries against the graph database and
// returns rows as strings, ready for table conversion.
type Runner struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewRunner(uri, username, password, database string) (*Runner, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	err = driver.VerifyConnectivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("kgraph", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if database == "" {
		database = "neo4j"
	}

	logger.Info("Graph database client initialized", zap.String("uri", uri))

	return &Runner{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (r *Runner) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// Run executes one read query and returns the column names with every row
// rendered to strings.
func (r *Runner) Run(ctx context.Context, query string, params map[string]interface{}) ([]string, [][]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var columns []string
	var rows [][]string

	err := r.cb.Execute(ctx, func() error {
		return retry.Do(ctx, r.retryConfig, func() error {
			session := r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.database})
			defer session.Close(ctx)

			result, err := session.Run(ctx, query, params)
			if err != nil {
				return fmt.Errorf("failed to run query: %w", err)
			}

			columns = nil
			rows = nil
			for result.Next(ctx) {
				record := result.Record()
				if columns == nil {
					columns = record.Keys
				}

				row := make([]string, len(record.Values))
				for i, v := range record.Values {
					row[i] = formatValue(v)
				}
				rows = append(rows, row)
			}

			if err = result.Err(); err != nil {
				return fmt.Errorf("error iterating results: %w", err)
			}

			return nil
		})
	})

	if err != nil {
		return nil, nil, err
	}

	logger.Debug("Graph query executed",
		zap.Int("columns", len(columns)),
		zap.Int("rows", len(rows)),
	)

	return columns, rows, nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []interface{}:
		out := ""
		for i, item := range val {
			if i > 0 {
				out += "; "
			}
			out += formatValue(item)
		}
		return out
	default:
		return fmt.Sprintf("%v", val)
	}
}
