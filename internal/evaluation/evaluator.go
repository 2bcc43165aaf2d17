package evaluation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/storage/models"
	"github.com/geoquery/backend/pkg/logger"
)

// Classifications an evaluated answer can receive.
const (
	Irrelevant    = "irrelevant"
	Moderate      = "moderate"
	FullyRelevant = "fully_relevant"
)

// Recorder persists evaluation results. Implemented by the sqlite client.
type Recorder interface {
	InsertEvaluation(result *models.EvaluationResult) error
}

// Evaluator scores finished answers against their requests out of band, so
// answer latency never pays for evaluation.
type Evaluator struct {
	oracle   oracle.Oracle
	recorder Recorder
	timeout  time.Duration

	wg sync.WaitGroup
}

func NewEvaluator(o oracle.Oracle, recorder Recorder, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Evaluator{
		oracle:   o,
		recorder: recorder,
		timeout:  timeout,
	}
}

// EvaluateAsync scores one answer in the background and returns immediately.
// Failures are logged, never surfaced to the request path.
func (e *Evaluator) EvaluateAsync(requestID, request, answer string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		if err := e.Evaluate(ctx, requestID, request, answer); err != nil {
			logger.Warn("Answer evaluation failed",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every in-flight evaluation finishes.
func (e *Evaluator) Wait() {
	e.wg.Wait()
}

const scorePrompt = `You are grading the answer a geographic question-answering system gave.

Question: %s

Answer:
%s

Score the answer:
    relevance_score: 0-3, how much of the answer addresses the question.
    completeness_score: 0-3, how much of the question the answer covers.
    classification: "irrelevant", "moderate", or "fully_relevant".
    reasoning: one or two sentences justifying the scores.

Return a JSON object with the keys relevance_score, completeness_score, classification,
reasoning and nothing else. Don't put any quotes at the top of the returned JSON string.`

type scoreReply struct {
	RelevanceScore    float64 `json:"relevance_score"`
	CompletenessScore float64 `json:"completeness_score"`
	Classification    string  `json:"classification"`
	Reasoning         string  `json:"reasoning"`
}

// Evaluate scores one answer and records the result.
func (e *Evaluator) Evaluate(ctx context.Context, requestID, request, answer string) error {
	raw, err := e.oracle.Infer(ctx, fmt.Sprintf(scorePrompt, request, answer), oracle.JSONObject)
	if err != nil {
		return fmt.Errorf("failed to score answer: %w", err)
	}
	reply, err := oracle.DecodeObject[scoreReply](raw)
	if err != nil {
		return err
	}

	result := &models.EvaluationResult{
		RequestID:         requestID,
		RelevanceScore:    clampScore(reply.RelevanceScore),
		CompletenessScore: clampScore(reply.CompletenessScore),
		Classification:    normalizeClassification(reply.Classification),
		Reasoning:         strings.TrimSpace(reply.Reasoning),
		CreatedAt:         time.Now(),
	}
	if err := e.recorder.InsertEvaluation(result); err != nil {
		return fmt.Errorf("failed to record evaluation: %w", err)
	}

	logger.Info("Answer evaluated",
		zap.String("request_id", requestID),
		zap.String("classification", result.Classification),
		zap.Float64("relevance", result.RelevanceScore),
		zap.Float64("completeness", result.CompletenessScore),
	)
	return nil
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 3 {
		return 3
	}
	return v
}

func normalizeClassification(c string) string {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case Irrelevant:
		return Irrelevant
	case FullyRelevant:
		return FullyRelevant
	default:
		return Moderate
	}
}
