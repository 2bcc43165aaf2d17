package statvar

import (
	"context"
	"fmt"
	"strconv"
	"strings"
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

const sourceName = "Statistical Variables"

// Provider is the statistical-variable API surface the adapter needs.
type Provider interface {
	ResolvePlaces(ctx context.Context, names []string) (map[string]string, error)
	SearchVariables(ctx context.Context, query string, limit int) ([]Variable, error)
	LatestObservations(ctx context.Context, variable string, entities []string) ([]Observation, error)
}

// Adapter answers statistics requests (population, income, employment) for
// named US places. Place names come from the request itself or from a
// store-resident result the request refers to.
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
	return "demographic and economic statistics for US places by name: population, income, employment, housing"
}

func (a *Adapter) Fetch(ctx context.Context, st *store.Store, request string) (*table.Table, error) {
	places, err := a.placeNames(ctx, st, request)
	if err != nil {
		return nil, err
	}

	dcids, err := a.client.ResolvePlaces(ctx, places)
	if err != nil {
		return nil, sources.NewTransportError(sourceName, err)
	}

	var names []string
	var ids []string
	for _, p := range places {
		if id, ok := dcids[p]; ok {
			names = append(names, p)
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		metrics.AdapterFailures.WithLabelValues(sourceName, "empty").Inc()
		return nil, sources.NewEmptyResultError(sourceName, request)
	}

	phrase, err := a.oracle.Infer(ctx,
		fmt.Sprintf("Give a short search phrase naming the statistical variable this request asks for.\n\nRequest: %s\n\nReply with only the phrase.", request),
		oracle.FreeText)
	if err != nil {
		return nil, err
	}

	candidates, err := a.client.SearchVariables(ctx, phrase, 20)
	if err != nil {
		return nil, sources.NewTransportError(sourceName, err)
	}
	if len(candidates) == 0 {
		metrics.AdapterFailures.WithLabelValues(sourceName, "empty").Inc()
		return nil, sources.NewEmptyResultError(sourceName, request)
	}

	return a.fetchObservations(ctx, request, candidates, names, ids)
}

// fetchObservations picks a fresh candidate variable per attempt and keeps
// the first one that yields data.
func (a *Adapter) fetchObservations(ctx context.Context, request string, candidates []Variable, names, ids []string) (*table.Table, error) {
	var tbl *table.Table
	var lastErr error
	attempts := 0
	tried := make(map[int]bool)

	cfg := retry.Config{
		MaxAttempts:    a.maxAttempts,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	err := retry.DoIndexed(ctx, cfg, func(attempt int) error {
		attempts = attempt
		if len(tried) == len(candidates) {
			tried = make(map[int]bool)
		}

		idx, err := a.chooseVariable(ctx, request, candidates, tried)
		if err != nil {
			lastErr = err
			return err
		}
		tried[idx] = true
		chosen := candidates[idx]

		obs, err := a.client.LatestObservations(ctx, chosen.DCID, ids)
		if err != nil {
			lastErr = sources.NewTransportError(sourceName, err)
			return lastErr
		}

		byEntity := make(map[string]Observation, len(obs))
		for _, o := range obs {
			byEntity[o.Entity] = o
		}

		out := table.New("Name", chosen.Name, "Date")
		for i, name := range names {
			o, ok := byEntity[ids[i]]
			if !ok {
				continue
			}
			_ = out.AppendRow(name, strconv.FormatFloat(o.Value, 'f', -1, 64), o.Date)
		}
		if out.Empty() {
			lastErr = fmt.Errorf("variable %s has no observations for the requested places", chosen.DCID)
			return lastErr
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
	return tbl, nil
}

type variableChoice struct {
	Index int `json:"index"`
}

func (a *Adapter) chooseVariable(ctx context.Context, request string, candidates []Variable, tried map[int]bool) (int, error) {
	var lines []string
	for i, v := range candidates {
		if tried[i] {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d: %s (%s)", i, v.Name, v.Description))
	}

	prompt := fmt.Sprintf(`Candidate statistical variables:
%s

Which one best answers: %s

Answer with a JSON object {"index": <number>}.`, strings.Join(lines, "\n"), request)

	raw, err := a.oracle.Infer(ctx, prompt, oracle.JSONObject)
	if err != nil {
		return 0, err
	}
	choice, err := oracle.DecodeObject[variableChoice](raw)
	if err != nil {
		return 0, err
	}
	if choice.Index < 0 || choice.Index >= len(candidates) {
		return 0, oracle.NewMalformedResponseError(oracle.JSONObject, raw,
			fmt.Errorf("index %d out of range [0, %d)", choice.Index, len(candidates)))
	}
	return choice.Index, nil
}

type placeExtraction struct {
	Places   []string `json:"places"`
	UsePrior bool     `json:"uses_prior_result"`
}

// placeNames extracts the places the request names, or pulls them from the
// store-resident result the request refers to.
func (a *Adapter) placeNames(ctx context.Context, st *store.Store, request string) ([]string, error) {
	prompt := fmt.Sprintf(`Does the request below name specific places, or does it refer to places produced by an earlier step (for example "those counties", "the places found above")?

Request: %s

Answer with a JSON object {"places": [<names, empty when none>], "uses_prior_result": <true|false>}.`, request)

	raw, err := a.oracle.Infer(ctx, prompt, oracle.JSONObject)
	if err != nil {
		return nil, err
	}
	extraction, err := oracle.DecodeObject[placeExtraction](raw)
	if err != nil {
		return nil, err
	}

	if len(extraction.Places) > 0 && !extraction.UsePrior {
		return extraction.Places, nil
	}

	if st == nil {
		return nil, sources.NewMissingPriorDataError(sourceName, request, "the places to look up")
	}

	found, ok, err := st.Find(ctx, fmt.Sprintf("the places referred to by: %s", request))
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.AdapterFailures.WithLabelValues(sourceName, "missing_prior_data").Inc()
		return nil, sources.NewMissingPriorDataError(sourceName, request, "the places to look up")
	}

	col, okCol := found.Table.Column(found.Table.IdentityColumn())
	if !okCol || len(col.Values) == 0 {
		return nil, sources.NewMissingPriorDataError(sourceName, request, "the places to look up")
	}

	seen := make(map[string]bool)
	var places []string
	for _, v := range col.Values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		places = append(places, v)
	}

	logger.Debug("Places taken from stored result",
		zap.String("request", request),
		zap.Int("places", len(places)),
	)
	return places, nil
}
