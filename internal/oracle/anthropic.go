package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/pkg/logger"
	"github.com/geoquery/backend/pkg/retry"
)

// anthropicClient serves Infer through the Anthropic messages API. The
// provider has no embedding endpoint, so Embed delegates to an OpenAI
// client when one can be built from the same config.
type anthropicClient struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	timeout     time.Duration
	retryConfig retry.Config
	embedder    *openaiClient
}

func newAnthropicClient(cfg Config) *anthropicClient {
	client := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	var embedder *openaiClient
	if cfg.APIKey != "" {
		embedder = newOpenAIClient(cfg)
	}

	logger.Info("Oracle client initialized",
		zap.String("provider", "anthropic"),
		zap.String("model", cfg.Model),
		zap.Bool("embeddings", embedder != nil),
	)

	return &anthropicClient{
		client:      client,
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		timeout:     timeout,
		retryConfig: retryConfig,
		embedder:    embedder,
	}
}

func (c *anthropicClient) Infer(ctx context.Context, prompt string, shape Shape) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	var content string
	err := retry.Do(ctx, c.retryConfig, func() error {
		msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: c.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}

		content = ""
		for _, block := range msg.Content {
			if block.Type == "text" {
				content += block.Text
			}
		}
		if content == "" {
			return fmt.Errorf("message returned no text content")
		}
		return nil
	})

	metrics.OracleLatency.WithLabelValues(shape.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleCalls.WithLabelValues(shape.String(), "error").Inc()
		return "", err
	}

	out, err := validate(content, shape)
	if err != nil {
		metrics.OracleCalls.WithLabelValues(shape.String(), "malformed").Inc()
		return "", err
	}

	metrics.OracleCalls.WithLabelValues(shape.String(), "ok").Inc()
	return out, nil
}

func (c *anthropicClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("embeddings unavailable: anthropic provider requires an OpenAI API key for embeddings")
	}
	return c.embedder.Embed(ctx, texts)
}
