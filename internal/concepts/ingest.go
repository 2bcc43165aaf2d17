package concepts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/pkg/logger"
	"github.com/geoquery/backend/pkg/utils"
)

// Ingestor loads concepts into the vector index: curated seed vocabularies
// from disk, and regulation pages chunked into passages.
type Ingestor struct {
	index        *Client
	oracle       oracle.Oracle
	chunkSize    int
	chunkOverlap int
}

func NewIngestor(index *Client, o oracle.Oracle) *Ingestor {
	return &Ingestor{
		index:        index,
		oracle:       o,
		chunkSize:    1000,
		chunkOverlap: 100,
	}
}

type seedConcept struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Source      string `json:"source"`
}

// SeedFromFile embeds and indexes the concept vocabulary at path. The file
// holds a JSON list of {name, kind, description, source} entries.
func (in *Ingestor) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seeds []seedConcept
	if err := json.Unmarshal(data, &seeds); err != nil {
		return 0, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if len(seeds) == 0 {
		return 0, nil
	}

	texts := make([]string, len(seeds))
	for i, s := range seeds {
		texts[i] = s.Name + ": " + s.Description
	}

	embeddings, err := in.oracle.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(seeds) {
		return 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(seeds))
	}

	items := make([]Concept, len(seeds))
	for i, s := range seeds {
		items[i] = Concept{
			ID:          utils.HashString(s.Source + "/" + s.Name),
			Name:        s.Name,
			Kind:        s.Kind,
			Description: s.Description,
			Source:      s.Source,
			Embedding:   embeddings[i],
		}
	}

	if err := in.index.Insert(ctx, items); err != nil {
		return 0, err
	}

	metrics.ConceptsIndexed.Add(float64(len(items)))
	logger.Info("Concept seed ingested",
		zap.String("path", path),
		zap.Int("concepts", len(items)),
	)
	return len(items), nil
}

// IngestPage indexes one HTML page as passage concepts under the given
// source name.
func (in *Ingestor) IngestPage(ctx context.Context, source, url, html string) (int, error) {
	text := cleanHTML(html)
	if text == "" {
		return 0, fmt.Errorf("no content extracted from %s", url)
	}
	title := extractTitle(html)

	chunks := in.chunkText(text)
	if len(chunks) == 0 {
		return 0, nil
	}

	embeddings, err := in.oracle.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunks))
	}

	items := make([]Concept, len(chunks))
	for i, chunk := range chunks {
		desc := chunk
		if len(desc) > 2000 {
			desc = desc[:2000]
		}
		items[i] = Concept{
			ID:          utils.HashString(fmt.Sprintf("%s#%d", url, i)),
			Name:        fmt.Sprintf("%s #%d", title, i),
			Kind:        "passage",
			Description: desc,
			Source:      source,
			Embedding:   embeddings[i],
		}
	}

	if err := in.index.Insert(ctx, items); err != nil {
		return 0, err
	}

	metrics.ConceptsIndexed.Add(float64(len(items)))
	logger.Info("Page ingested",
		zap.String("url", url),
		zap.Int("passages", len(items)),
	)
	return len(items), nil
}

func cleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()

	text = regexp.MustCompile(`\s+`).ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	return text
}

func extractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "Untitled"
	}

	title := doc.Find("title").First().Text()
	if title == "" {
		title = doc.Find("h1").First().Text()
	}
	if title == "" {
		title = "Untitled"
	}

	return strings.TrimSpace(title)
}

func (in *Ingestor) chunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var currentChunk strings.Builder
	currentSize := 0

	for _, word := range words {
		wordLen := len(word) + 1

		if currentSize+wordLen > in.chunkSize && currentChunk.Len() > 0 {
			chunks = append(chunks, currentChunk.String())

			overlapWords := strings.Fields(currentChunk.String())
			overlapStart := max(0, len(overlapWords)-in.chunkOverlap/10)
			currentChunk.Reset()
			currentChunk.WriteString(strings.Join(overlapWords[overlapStart:], " ") + " ")
			currentSize = currentChunk.Len()
		}

		currentChunk.WriteString(word + " ")
		currentSize += wordLen
	}

	if currentChunk.Len() > 0 {
		chunks = append(chunks, currentChunk.String())
	}

	return chunks
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
