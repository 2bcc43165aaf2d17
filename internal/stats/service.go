package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/pkg/logger"
	"github.com/geoquery/backend/pkg/retry"
)

const (
	endpointSummary    = "summary"
	endpointPixelCount = "pixel_count"
)

// Computer performs one compute call for one feature. Client is the real
// implementation.
type Computer interface {
	SummarizeFeature(ctx context.Context, coverageID string, feature Feature) (map[string]any, error)
	CountPixelsAbove(ctx context.Context, coverageID string, feature Feature, threshold float64) (map[string]any, error)
}

// Defaults fill in the knobs a request leaves at zero, before clamping.
type Defaults struct {
	Retries        int
	TimeoutSeconds int
	Workers        int
}

// Service fans a feature collection out over a worker pool, retrying each
// feature independently. A feature that exhausts its retries is reported in
// FailedFeatures; the job keeps going.
type Service struct {
	computer Computer
	defaults Defaults
}

func NewService(c Computer, d Defaults) *Service {
	return &Service{computer: c, defaults: d}
}

// ZonalSummary computes summary statistics of the coverage for every
// selected feature.
func (s *Service) ZonalSummary(ctx context.Context, req SummaryRequest) (*Response, error) {
	if err := validateJob(req.CoverageID, req.Features, req.FilterAttribute, req.Filter); err != nil {
		return nil, err
	}

	compute := func(ctx context.Context, f Feature) (map[string]any, error) {
		return s.computer.SummarizeFeature(ctx, req.CoverageID, f)
	}
	return s.run(ctx, endpointSummary, req.Features, req.FilterAttribute, req.Filter,
		req.Retries, req.TimeoutSeconds, req.Workers, compute)
}

// PixelCountAbove counts coverage pixels above the threshold for every
// selected feature.
func (s *Service) PixelCountAbove(ctx context.Context, req PixelCountRequest) (*Response, error) {
	if err := validateJob(req.CoverageID, req.Features, req.FilterAttribute, req.Filter); err != nil {
		return nil, err
	}

	compute := func(ctx context.Context, f Feature) (map[string]any, error) {
		return s.computer.CountPixelsAbove(ctx, req.CoverageID, f, req.Threshold)
	}
	return s.run(ctx, endpointPixelCount, req.Features, req.FilterAttribute, req.Filter,
		req.Retries, req.TimeoutSeconds, req.Workers, compute)
}

func validateJob(coverageID string, features []Feature, filterAttr string, filter FilterValue) error {
	if coverageID == "" {
		return errors.New("coverage_id is required")
	}
	if len(features) == 0 {
		return errors.New("at least one feature is required")
	}
	if filter.IsSet() && filterAttr == "" {
		return errors.New("filter_attribute is required when a filter is set")
	}
	return nil
}

type featureOutcome struct {
	id     string
	record map[string]any
	err    error
}

func (s *Service) run(
	ctx context.Context,
	endpoint string,
	features []Feature,
	filterAttr string,
	filter FilterValue,
	retries, timeoutSec, workers int,
	compute func(ctx context.Context, f Feature) (map[string]any, error),
) (*Response, error) {
	start := time.Now()

	if retries == 0 {
		retries = s.defaults.Retries
	}
	if timeoutSec == 0 {
		timeoutSec = s.defaults.TimeoutSeconds
	}
	if workers == 0 {
		workers = s.defaults.Workers
	}
	retries = clamp(retries, MinRetries, MaxRetries)
	timeoutSec = clamp(timeoutSec, MinTimeoutSeconds, MaxTimeoutSeconds)
	workers = clamp(workers, MinWorkers, MaxWorkers)
	timeout := time.Duration(timeoutSec) * time.Second

	selected := selectFeatures(features, filterAttr, filter)
	if len(selected) == 0 {
		return &Response{
			Success:        true,
			Records:        []map[string]any{},
			FailedFeatures: []string{},
			ElapsedSeconds: time.Since(start).Seconds(),
			Message:        "no features matched the filter",
		}, nil
	}

	retryCfg := retry.Config{
		MaxAttempts:    retries,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         zap.NewNop(),
	}

	pool := pond.NewResultPool[featureOutcome](workers)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for i, f := range selected {
		i, f := i, f

		group.Submit(func() featureOutcome {
			record, err := retry.DoWithResult(ctx, retryCfg, func() (map[string]any, error) {
				callCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				return compute(callCtx, f)
			})
			return featureOutcome{id: featureID(f, i), record: record, err: err}
		})
	}

	outcomes, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("compute job interrupted: %w", err)
	}

	resp := &Response{
		Records:        []map[string]any{},
		FailedFeatures: []string{},
		Total:          len(selected),
	}
	for _, out := range outcomes {
		if out.err != nil {
			resp.FailedFeatures = append(resp.FailedFeatures, out.id)
			continue
		}
		resp.Records = append(resp.Records, out.record)
	}
	resp.Processed = len(resp.Records)
	resp.Success = len(resp.FailedFeatures) == 0
	resp.ElapsedSeconds = time.Since(start).Seconds()
	resp.Message = fmt.Sprintf("processed %d of %d features", resp.Processed, resp.Total)
	if n := len(resp.FailedFeatures); n > 0 {
		resp.Message = fmt.Sprintf("%s, %d failed", resp.Message, n)
	}

	status := "ok"
	if !resp.Success {
		status = "partial"
	}
	metrics.StatsJobs.WithLabelValues(endpoint, status).Inc()
	metrics.StatsJobDuration.WithLabelValues(endpoint).Observe(resp.ElapsedSeconds)

	logger.Info("Compute job finished",
		zap.String("endpoint", endpoint),
		zap.Int("processed", resp.Processed),
		zap.Int("total", resp.Total),
		zap.Int("failed", len(resp.FailedFeatures)),
		zap.Int("workers", workers),
		zap.Float64("elapsed_seconds", resp.ElapsedSeconds),
	)
	return resp, nil
}

func selectFeatures(features []Feature, filterAttr string, filter FilterValue) []Feature {
	if !filter.IsSet() {
		return features
	}
	var out []Feature
	for _, f := range features {
		if filter.Matches(f.Properties[filterAttr]) {
			out = append(out, f)
		}
	}
	return out
}
