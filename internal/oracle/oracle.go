package oracle

import (
	"context"
	"fmt"
)

// Shape is the output contract a caller expects from one inference call.
type Shape int

const (
	FreeText Shape = iota
	JSONObject
	JSONList
)

func (s Shape) String() string {
	switch s {
	case FreeText:
		return "free_text"
	case JSONObject:
		return "json_object"
	case JSONList:
		return "json_list"
	default:
		return "unknown"
	}
}

// Oracle is the text-inference service behind every classification, planning
// and routing decision. Infer validates the response against the expected
// shape after unwrapping; it does not retry on its own.
type Oracle interface {
	Infer(ctx context.Context, prompt string, shape Shape) (string, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Config struct {
	Provider        string
	Model           string
	APIKey          string
	AnthropicAPIKey string
	Temperature     float32
	MaxTokens       int
	TimeoutSec      int
	EmbeddingModel  string
	EmbeddingDim    int
}

func New(cfg Config) (Oracle, error) {
	switch cfg.Provider {
	case "", "openai":
		return newOpenAIClient(cfg), nil
	case "anthropic":
		return newAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown oracle provider: %s", cfg.Provider)
	}
}
