package concepts

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/geoquery/backend/pkg/logger"
)

// Client wraps the vector collection that indexes the concepts each data
// source understands: graph classes and relations, statistical variables,
// regulation passages. Adapters search it to ground query synthesis.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// Concept is one indexed vocabulary entry.
type Concept struct {
	ID          string
	Name        string
	Kind        string
	Description string
	Source      string
	Embedding   []float32
}

// Match is a search hit with its distance score.
type Match struct {
	ID          string
	Name        string
	Kind        string
	Description string
	Source      string
	Score       float32
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(
		context.Background(),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Concept index client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) CreateCollection(ctx context.Context) error {
	has, err := c.client.HasCollection(ctx, c.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", c.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: c.collectionName,
		Description:    "Data source concept embeddings",
		Fields: []*entity.Field{
			{
				Name:       "concept_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", c.vectorDim),
				},
			},
			{
				Name:     "name",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
			{
				Name:     "kind",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "description",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "2048",
				},
			},
			{
				Name:     "source",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
		},
	}

	err = c.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx := entity.NewIndexIVFFlat(entity.L2, 1024)
	err = c.client.CreateIndex(ctx, c.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = c.client.LoadCollection(ctx, c.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", c.collectionName))

	return nil
}

func (c *Client) Insert(ctx context.Context, items []Concept) error {
	if len(items) == 0 {
		return nil
	}

	ids := make([]string, len(items))
	embeddings := make([][]float32, len(items))
	names := make([]string, len(items))
	kinds := make([]string, len(items))
	descriptions := make([]string, len(items))
	srcs := make([]string, len(items))

	for i, item := range items {
		ids[i] = item.ID
		embeddings[i] = item.Embedding
		names[i] = item.Name
		kinds[i] = item.Kind
		descriptions[i] = item.Description
		srcs[i] = item.Source
	}

	_, err := c.client.Insert(
		ctx,
		c.collectionName,
		"",
		entity.NewColumnVarChar("concept_id", ids),
		entity.NewColumnFloatVector("embedding", c.vectorDim, embeddings),
		entity.NewColumnVarChar("name", names),
		entity.NewColumnVarChar("kind", kinds),
		entity.NewColumnVarChar("description", descriptions),
		entity.NewColumnVarChar("source", srcs),
	)

	if err != nil {
		return fmt.Errorf("failed to insert concepts: %w", err)
	}

	err = c.client.Flush(ctx, c.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Concepts inserted into vector index", zap.Int("count", len(items)))

	return nil
}

// Search returns the topK concepts nearest the query embedding, optionally
// restricted to one source.
func (c *Client) Search(ctx context.Context, queryEmbedding []float32, topK int, source string) ([]Match, error) {
	expr := ""
	if source != "" {
		expr = fmt.Sprintf(`source == "%s"`, source)
	}

	sp, _ := entity.NewIndexIVFFlatSearchParam(16)

	searchResult, err := c.client.Search(
		ctx,
		c.collectionName,
		[]string{},
		expr,
		[]string{"concept_id", "name", "kind", "description", "source"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]Match, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			idCol := sr.Fields.GetColumn("concept_id")
			nameCol := sr.Fields.GetColumn("name")
			kindCol := sr.Fields.GetColumn("kind")
			descCol := sr.Fields.GetColumn("description")
			sourceCol := sr.Fields.GetColumn("source")

			id, _ := idCol.Get(i)
			name, _ := nameCol.Get(i)
			kind, _ := kindCol.Get(i)
			desc, _ := descCol.Get(i)
			src, _ := sourceCol.Get(i)

			results = append(results, Match{
				ID:          id.(string),
				Name:        name.(string),
				Kind:        kind.(string),
				Description: desc.(string),
				Source:      src.(string),
				Score:       sr.Scores[i],
			})
		}
	}

	logger.Debug("Concept search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
	)

	return results, nil
}
