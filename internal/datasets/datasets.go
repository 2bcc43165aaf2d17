package datasets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/pkg/logger"
)

const defaultLimit = 10

// Resource is one access point a catalog entry exposes.
type Resource struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// RawDataset is a catalog entry as the search endpoint returns it, before
// resource filtering.
type RawDataset struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Units       string     `json:"units"`
	Tags        []string   `json:"tags"`
	Resources   []Resource `json:"resources"`
}

// DatasetRecord is a catalog entry narrowed down to the two resources the
// rest of the system consumes: one coverage service and one map service.
type DatasetRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Coverage    *Resource `json:"coverage,omitempty"`
	Map         *Resource `json:"map,omitempty"`
	Units       string    `json:"units,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Provider is the remote dataset catalog. Client is the real implementation.
type Provider interface {
	SearchDatasets(ctx context.Context, query string, limit int) ([]RawDataset, error)
}

// Service searches the catalog and narrows each hit to its usable resources,
// preserving the provider's relevance order.
type Service struct {
	provider Provider
}

func NewService(p Provider) *Service {
	return &Service{provider: p}
}

func (s *Service) Search(ctx context.Context, query string, limit int) ([]DatasetRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	metrics.DatasetSearches.Inc()

	raw, err := s.provider.SearchDatasets(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("dataset search failed: %w", err)
	}

	records := make([]DatasetRecord, 0, len(raw))
	for _, d := range raw {
		records = append(records, narrow(d))
	}

	logger.Debug("Dataset search finished",
		zap.String("query", query),
		zap.Int("results", len(records)),
	)
	return records, nil
}

// narrow keeps the first coverage-service and first map-service resource of
// a catalog entry and drops the rest.
func narrow(d RawDataset) DatasetRecord {
	rec := DatasetRecord{
		ID:          d.ID,
		Title:       d.Title,
		Description: d.Description,
		Units:       d.Units,
		Tags:        d.Tags,
	}
	for i := range d.Resources {
		r := d.Resources[i]
		switch {
		case rec.Coverage == nil && isCoverageService(r.Type):
			rec.Coverage = &r
		case rec.Map == nil && isMapService(r.Type):
			rec.Map = &r
		}
	}
	return rec
}

func isCoverageService(resourceType string) bool {
	t := strings.ToLower(resourceType)
	return strings.Contains(t, "coverage") || t == "wcs"
}

func isMapService(resourceType string) bool {
	t := strings.ToLower(resourceType)
	return strings.Contains(t, "map") || t == "wms"
}
