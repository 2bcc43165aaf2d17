package regdocs

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/sources"
	"github.com/geoquery/backend/pkg/logger"
)

const sourceName = "Regulation Documents"

// Adapter answers regulatory questions from the indexed NPDES discharge
// permit regulations, with a separate collection for Kentucky's KPDES
// program. It is a text source: the answer is prose grounded in retrieved
// passages, not a table.
type Adapter struct {
	index  Searcher
	oracle oracle.Oracle

	chunkLimit  int
	enrichPages bool
}

// Searcher abstracts the regulation index.
type Searcher interface {
	SearchChunks(ctx context.Context, query string, limit int, kentucky bool) ([]Chunk, error)
	FetchSection(ctx context.Context, pageURL string) (string, error)
}

func NewAdapter(index Searcher, o oracle.Oracle, enrichPages bool) *Adapter {
	return &Adapter{
		index:       index,
		oracle:      o,
		chunkLimit:  5,
		enrichPages: enrichPages,
	}
}

func (a *Adapter) Name() string { return sourceName }

func (a *Adapter) Description() string {
	return "federal NPDES and Kentucky KPDES discharge permit regulations; answers questions about permit requirements, limits, and procedures"
}

// FetchText retrieves the passages most relevant to the request and writes
// an answer grounded in them.
func (a *Adapter) FetchText(ctx context.Context, request string) (string, error) {
	kentucky := a.isKentucky(ctx, request)

	chunks, err := a.index.SearchChunks(ctx, request, a.chunkLimit, kentucky)
	if err != nil {
		metrics.AdapterFailures.WithLabelValues(sourceName, "transport").Inc()
		return "", sources.NewTransportError(sourceName, err)
	}
	if len(chunks) == 0 {
		metrics.AdapterFailures.WithLabelValues(sourceName, "empty").Inc()
		return "", sources.NewEmptyResultError(sourceName, request)
	}

	excerpts := a.renderExcerpts(ctx, chunks)

	prompt := fmt.Sprintf(`Answer the question using only the regulation excerpts below. Name the sections you relied on. If the excerpts do not contain the answer, say that the indexed regulations do not cover it.

Excerpts:
%s

Question: %s`, excerpts, request)

	answer, err := a.oracle.Infer(ctx, prompt, oracle.FreeText)
	if err != nil {
		return "", fmt.Errorf("failed to write answer: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// isKentucky routes the request to the KPDES collection when it is about
// Kentucky's program. Routing is best effort: on oracle failure the general
// collection serves.
func (a *Adapter) isKentucky(ctx context.Context, request string) bool {
	prompt := fmt.Sprintf(
		"Is the following question specifically about Kentucky's discharge permit program (KPDES) rather than the federal NPDES program? Answer True or False.\n\nQuestion: %s",
		request)

	raw, err := a.oracle.Infer(ctx, prompt, oracle.FreeText)
	if err != nil {
		logger.Warn("Kentucky routing check failed, using general collection", zap.Error(err))
		return false
	}
	kentucky, err := oracle.DecodeBool(raw)
	if err != nil {
		logger.Warn("Kentucky routing check unreadable, using general collection", zap.Error(err))
		return false
	}
	return kentucky
}

// renderExcerpts formats the retrieved chunks for the answer prompt. When
// page enrichment is on, each chunk's source page is fetched and its text
// replaces the chunk; fetch failures keep the indexed text.
func (a *Adapter) renderExcerpts(ctx context.Context, chunks []Chunk) string {
	var b strings.Builder
	fetched := make(map[string]string)

	for i, ch := range chunks {
		text := ch.Text

		if a.enrichPages && ch.URL != "" {
			page, ok := fetched[ch.URL]
			if !ok {
				var err error
				page, err = a.index.FetchSection(ctx, ch.URL)
				if err != nil {
					logger.Warn("Failed to fetch regulation page",
						zap.String("url", ch.URL),
						zap.Error(err))
					page = ""
				}
				fetched[ch.URL] = page
			}
			if page != "" {
				text = page
			}
		}

		fmt.Fprintf(&b, "[%d] Section %s\n%s\n\n", i+1, ch.Section, text)
	}
	return b.String()
}
