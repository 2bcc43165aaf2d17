package energy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/sources"
	"github.com/geoquery/backend/internal/store"
	"github.com/geoquery/backend/internal/table"
	"github.com/geoquery/backend/pkg/logger"
	"github.com/geoquery/backend/pkg/retry"
)

const sourceName = "Energy Atlas"

// Provider is the facility inventory surface the adapter needs.
type Provider interface {
	Facilities(ctx context.Context, f Filter) ([]Facility, error)
}

// Adapter answers requests about dams and power stations. The oracle turns
// the request into inventory filters; each retry derives fresh ones.
type Adapter struct {
	client      Provider
	oracle      oracle.Oracle
	maxAttempts int
}

func NewAdapter(client Provider, o oracle.Oracle) *Adapter {
	return &Adapter{
		client:      client,
		oracle:      o,
		maxAttempts: 5,
	}
}

func (a *Adapter) Name() string { return sourceName }

func (a *Adapter) Description() string {
	return "US energy infrastructure inventory: dams and power stations with type, fuel, capacity and point locations"
}

type facilityQuery struct {
	FacilityType string    `json:"facility_type"`
	State        string    `json:"state"`
	Fuel         string    `json:"fuel"`
	FacilityName string    `json:"facility_name"`
	NeedsPrior   bool      `json:"needs_prior_area"`
	BBox         []float64 `json:"bbox"`
}

func (a *Adapter) Fetch(ctx context.Context, st *store.Store, request string) (*table.Table, error) {
	q, err := a.deriveFilters(ctx, request, "")
	if err != nil {
		return nil, err
	}

	// The area of interest resolves once, before any retrying: a request
	// that needs prior data the store cannot supply fails fast.
	resolvedBBox := q.BBox
	if q.NeedsPrior && len(resolvedBBox) != 4 {
		resolvedBBox, err = a.priorBound(ctx, st, request)
		if err != nil {
			metrics.AdapterFailures.WithLabelValues(sourceName, "missing_prior_data").Inc()
			return nil, err
		}
	}

	var tbl *table.Table
	var lastErr error
	attempts := 0
	lastFilter := ""

	cfg := retry.Config{
		MaxAttempts:    a.maxAttempts,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	err = retry.DoIndexed(ctx, cfg, func(attempt int) error {
		attempts = attempt

		if attempt > 1 {
			q, err = a.deriveFilters(ctx, request, lastFilter)
			if err != nil {
				lastErr = err
				return err
			}
		}

		filter := Filter{
			Type:  q.FacilityType,
			State: q.State,
			Fuel:  q.Fuel,
			Name:  q.FacilityName,
			BBox:  q.BBox,
		}
		if len(filter.BBox) != 4 {
			filter.BBox = resolvedBBox
		}
		lastFilter = fmt.Sprintf("type=%q state=%q fuel=%q name=%q bbox=%v",
			filter.Type, filter.State, filter.Fuel, filter.Name, filter.BBox)

		facilities, err := a.client.Facilities(ctx, filter)
		if err != nil {
			lastErr = sources.NewTransportError(sourceName, err)
			return lastErr
		}
		if len(facilities) == 0 {
			lastErr = fmt.Errorf("no facilities matched filters %s", lastFilter)
			return lastErr
		}

		out := table.New("FacilityName", "FacilityType", "Fuel", "CapacityMW", "State", "FacilityGeometry")
		for _, f := range facilities {
			_ = out.AppendRow(
				f.Name,
				f.Type,
				f.Fuel,
				strconv.FormatFloat(f.CapacityMW, 'f', -1, 64),
				f.State,
				fmt.Sprintf("POINT (%g %g)", f.Lon, f.Lat),
			)
		}
		tbl = out
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

	logger.Debug("Facilities fetched",
		zap.String("request", request),
		zap.Int("rows", tbl.NumRows()),
	)
	return tbl, nil
}

// deriveFilters asks the oracle for inventory filters; on retries the failed
// filter set rides along so the next one is loosened.
func (a *Adapter) deriveFilters(ctx context.Context, request, lastFilter string) (*facilityQuery, error) {
	feedback := ""
	if lastFilter != "" {
		feedback = fmt.Sprintf("\nA previous attempt with %s returned nothing; loosen the filters.", lastFilter)
	}

	prompt := fmt.Sprintf(`Turn the request below into energy-facility inventory filters.%s

Request: %s

Answer with a JSON object:
{"facility_type": "dam"|"power_station"|"", "state": <two-letter code or "">, "fuel": <fuel or "">, "facility_name": <name or "">, "needs_prior_area": <true when the request refers to an area from an earlier step>, "bbox": [minLon, minLat, maxLon, maxLat] or []}
Use "" for any filter the request does not constrain. When the request text contains an explicit bounding box, copy its numbers into "bbox".`, feedback, request)

	raw, err := a.oracle.Infer(ctx, prompt, oracle.JSONObject)
	if err != nil {
		return nil, err
	}
	q, err := oracle.DecodeObject[facilityQuery](raw)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (a *Adapter) priorBound(ctx context.Context, st *store.Store, request string) ([]float64, error) {
	if st == nil {
		return nil, sources.NewMissingPriorDataError(sourceName, request, "the area of interest")
	}

	found, ok, err := st.Find(ctx, fmt.Sprintf("the area referred to by: %s", request))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sources.NewMissingPriorDataError(sourceName, request, "the area of interest")
	}

	bound, err := found.Table.Bound()
	if err != nil {
		return nil, sources.NewMissingPriorDataError(sourceName, request, "the area of interest")
	}
	return []float64{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]}, nil
}
