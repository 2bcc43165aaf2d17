package oracletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/geoquery/backend/internal/oracle"
)

// Stub is a scriptable Oracle for tests. Set InferFunc/EmbedFunc to control
// responses; every prompt passed to Infer is recorded.
type Stub struct {
	mu        sync.Mutex
	InferFunc func(ctx context.Context, prompt string, shape oracle.Shape) (string, error)
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)
	prompts   []string
}

func (s *Stub) Infer(ctx context.Context, prompt string, shape oracle.Shape) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	fn := s.InferFunc
	s.mu.Unlock()

	if fn == nil {
		return "", fmt.Errorf("unexpected Infer call: %s", prompt)
	}
	return fn(ctx, prompt, shape)
}

func (s *Stub) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	fn := s.EmbedFunc
	s.mu.Unlock()

	if fn == nil {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{float32(len(texts[i])), 0, 0, 0}
		}
		return out, nil
	}
	return fn(ctx, texts)
}

// Prompts returns every prompt Infer has seen, in call order.
func (s *Stub) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}
