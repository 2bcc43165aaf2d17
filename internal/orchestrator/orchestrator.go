package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/sources"
	"github.com/geoquery/backend/internal/storage/models"
	"github.com/geoquery/backend/internal/store"
	"github.com/geoquery/backend/internal/table"
	"github.com/geoquery/backend/pkg/logger"
	"github.com/geoquery/backend/pkg/utils"
)

// Answer kinds.
const (
	AnswerTable   = "table"
	AnswerText    = "text"
	AnswerRefusal = "refusal"
)

// Processing states reported to progress watchers.
const (
	StateReceived   = "received"
	StateClassified = "classified"
	StatePlanned    = "planned"
	StateExecuting  = "executing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Answer is the final payload of one ProcessRequest call.
type Answer struct {
	RequestID string
	Request   string
	Kind      string
	Result    *store.AnnotatedResult
	Text      string
	Steps     int
	Cached    bool
	Elapsed   time.Duration
}

// AnswerCache caches finished answers keyed by request hash. Implemented by
// the redis client.
type AnswerCache interface {
	GetAnswer(ctx context.Context, requestHash string, out interface{}) (bool, error)
	SetAnswer(ctx context.Context, requestHash string, answer interface{}, ttl time.Duration) error
}

// Recorder persists request history. Implemented by the sqlite client.
type Recorder interface {
	InsertRequestRecord(record *models.RequestRecord) error
}

// Evaluator scores finished answers out of band; it must return without
// blocking.
type Evaluator interface {
	EvaluateAsync(requestID, request, answer string)
}

// Options wires an Orchestrator. Cache, Recorder and Evaluator are
// optional; Clock defaults to the real clock.
type Options struct {
	Oracle      oracle.Oracle
	Registry    *sources.Registry
	Sessions    *SessionManager
	Cache       AnswerCache
	Recorder    Recorder
	Evaluator   Evaluator
	Clock       clockwork.Clock
	StoreMaxAge time.Duration
	CacheTTL    time.Duration
}

// Orchestrator runs the whole pipeline for one request: classify, plan,
// execute, record. One instance serves every session.
type Orchestrator struct {
	oracle     oracle.Oracle
	registry   *sources.Registry
	classifier *Classifier
	planner    *Planner
	executor   *Executor
	sessions   *SessionManager
	cache      AnswerCache
	recorder   Recorder
	evaluator  Evaluator
	clock      clockwork.Clock

	storeMaxAge time.Duration
	cacheTTL    time.Duration
}

func New(opts Options) *Orchestrator {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Hour
	}
	return &Orchestrator{
		oracle:      opts.Oracle,
		registry:    opts.Registry,
		classifier:  NewClassifier(opts.Oracle),
		planner:     NewPlanner(opts.Oracle, opts.Registry),
		executor:    NewExecutor(opts.Oracle, opts.Registry),
		sessions:    opts.Sessions,
		cache:       opts.Cache,
		recorder:    opts.Recorder,
		evaluator:   opts.Evaluator,
		clock:       clock,
		storeMaxAge: opts.StoreMaxAge,
		cacheTTL:    opts.CacheTTL,
	}
}

func (o *Orchestrator) Sessions() *SessionManager { return o.sessions }

// ProcessRequest answers one request end to end. A mid-plan failure aborts
// the whole call; the session's store keeps everything fetched so far, so a
// re-issued request benefits from it.
func (o *Orchestrator) ProcessRequest(ctx context.Context, sessionID, request string, progress *Progress) (*Answer, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, errors.New("request is required")
	}

	sess := o.sessions.Get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if o.storeMaxAge > 0 {
		sess.Store.EvictOlderThan(o.storeMaxAge)
	}

	requestID := uuid.NewString()
	start := o.clock.Now()
	progress.state(StateReceived, request)

	if ans, ok := o.cachedAnswer(ctx, requestID, request); ok {
		metrics.CacheHits.WithLabelValues("answer").Inc()
		progress.state(StateCompleted, "answered from cache")
		return ans, nil
	}
	if o.cache != nil {
		metrics.CacheMisses.WithLabelValues("answer").Inc()
	}

	isAggregation, err := o.classifier.IsAggregation(ctx, request)
	if err != nil {
		return nil, o.fail(sessionID, requestID, request, models.KindLinear, "", start, progress, err)
	}
	progress.state(StateClassified, fmt.Sprintf("aggregation=%t", isAggregation))

	if isAggregation {
		return o.processAggregation(ctx, sess, requestID, request, start, progress)
	}
	return o.processLinear(ctx, sess, requestID, request, start, progress)
}

func (o *Orchestrator) processLinear(ctx context.Context, sess *Session, requestID, request string, start time.Time, progress *Progress) (*Answer, error) {
	plan, err := o.planner.Linear(ctx, request)
	if err != nil {
		return nil, o.fail(sess.ID, requestID, request, models.KindLinear, "", start, progress, err)
	}
	planJSON := marshalPlan(plan)
	progress.state(StatePlanned, fmt.Sprintf("%d steps", len(plan)))

	if plan.IsOffTopic() {
		text := o.offTopicAnswer(ctx, request)
		ans := &Answer{
			RequestID: requestID,
			Request:   request,
			Kind:      AnswerRefusal,
			Text:      text,
			Elapsed:   o.clock.Now().Sub(start),
		}
		o.record(sess.ID, requestID, request, models.KindOffTopic, planJSON, models.StatusCompleted, "", ans)
		metrics.RequestTotal.WithLabelValues(models.StatusCompleted).Inc()
		metrics.RequestDuration.WithLabelValues(models.KindOffTopic).Observe(ans.Elapsed.Seconds())
		progress.state(StateCompleted, "off-topic request")
		return ans, nil
	}

	progress.state(StateExecuting, "")
	result, err := o.executor.Execute(ctx, sess.Store, plan, progress)
	if err != nil {
		return nil, o.fail(sess.ID, requestID, request, models.KindLinear, planJSON, start, progress, err)
	}

	ans := o.buildAnswer(requestID, request, result, len(plan), start)
	o.finish(ctx, sess.ID, request, models.KindLinear, planJSON, ans, progress)
	return ans, nil
}

func (o *Orchestrator) processAggregation(ctx context.Context, sess *Session, requestID, request string, start time.Time, progress *Progress) (*Answer, error) {
	spec, err := o.planner.Aggregation(ctx, request)
	if err != nil {
		return nil, o.fail(sess.ID, requestID, request, models.KindAggregation, "", start, progress, err)
	}
	planJSON := marshalPlan(spec)
	progress.state(StatePlanned, fmt.Sprintf("aggregation %s of %s per %s",
		spec.Function, spec.SummarizingObject, spec.GroupingObject))

	progress.state(StateExecuting, "")
	result, err := o.executor.ExecuteAggregation(ctx, sess.Store, spec, progress)
	if err != nil {
		return nil, o.fail(sess.ID, requestID, request, models.KindAggregation, planJSON, start, progress, err)
	}

	ans := o.buildAnswer(requestID, request, result, len(spec.Plan), start)
	o.finish(ctx, sess.ID, request, models.KindAggregation, planJSON, ans, progress)
	return ans, nil
}

func (o *Orchestrator) buildAnswer(requestID, request string, result *store.AnnotatedResult, steps int, start time.Time) *Answer {
	ans := &Answer{
		RequestID: requestID,
		Request:   request,
		Kind:      AnswerTable,
		Result:    result,
		Steps:     steps,
		Elapsed:   o.clock.Now().Sub(start),
	}
	if text, ok := textCell(result.Table); ok {
		ans.Kind = AnswerText
		ans.Text = text
	}
	return ans
}

// finish records, measures and caches a successful answer, then kicks off
// evaluation.
func (o *Orchestrator) finish(ctx context.Context, sessionID, request, kind, planJSON string, ans *Answer, progress *Progress) {
	o.record(sessionID, ans.RequestID, request, kind, planJSON, models.StatusCompleted, "", ans)

	metrics.RequestTotal.WithLabelValues(models.StatusCompleted).Inc()
	metrics.RequestDuration.WithLabelValues(kind).Observe(ans.Elapsed.Seconds())

	o.storeAnswer(ctx, request, ans)

	if o.evaluator != nil {
		o.evaluator.EvaluateAsync(ans.RequestID, request, answerSummary(ans))
	}

	progress.state(StateCompleted, "")
	logger.Info("Request completed",
		zap.String("request_id", ans.RequestID),
		zap.String("kind", kind),
		zap.String("answer_kind", ans.Kind),
		zap.Duration("elapsed", ans.Elapsed),
	)
}

func (o *Orchestrator) fail(sessionID, requestID, request, kind, planJSON string, start time.Time, progress *Progress, err error) error {
	elapsed := o.clock.Now().Sub(start)

	o.record(sessionID, requestID, request, kind, planJSON, models.StatusFailed, err.Error(), nil)
	metrics.RequestTotal.WithLabelValues(models.StatusFailed).Inc()
	metrics.RequestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())

	progress.state(StateFailed, err.Error())
	logger.Error("Request failed",
		zap.String("request_id", requestID),
		zap.String("request", request),
		zap.String("kind", kind),
		zap.Error(err),
	)
	return fmt.Errorf("failed to process request: %w", err)
}

func (o *Orchestrator) record(sessionID, requestID, request, kind, planJSON, status, errText string, ans *Answer) {
	if o.recorder == nil {
		return
	}

	rec := &models.RequestRecord{
		ID:          requestID,
		SessionID:   sessionID,
		RequestText: request,
		Kind:        kind,
		PlanJSON:    planJSON,
		Status:      status,
		Error:       errText,
		CreatedAt:   o.clock.Now(),
	}
	if ans != nil {
		rec.LatencyMS = int(ans.Elapsed.Milliseconds())
		if ans.Result != nil {
			rec.ResultTitle = ans.Result.Request
			rec.RowCount = ans.Result.Table.NumRows()
		}
	}

	if err := o.recorder.InsertRequestRecord(rec); err != nil {
		logger.Warn("Failed to record request", zap.Error(err))
	}
}

const offTopicPrompt = `You are an expert on the following data sources:
%s
Based on the provided context, use easy to understand language to answer the question.
Politely decline any request to search websites. Answer in plain text without any explanation.
You can categorize the data based on their data sources.
Don't mention that only one entity type loads at a time; query planning loads different
entity types multiple times to solve complex problems.

Question: %s

Answer: `

// offTopicAnswer writes a capability-bounded reply for a request no source
// can serve.
func (o *Orchestrator) offTopicAnswer(ctx context.Context, request string) string {
	text, err := o.oracle.Infer(ctx, fmt.Sprintf(offTopicPrompt, o.registry.Catalog(), request), oracle.FreeText)
	if err != nil {
		logger.Warn("Failed to write off-topic answer", zap.Error(err))
		return fmt.Sprintf("I can only answer questions covered by these data sources:\n%s", o.registry.Catalog())
	}
	return strings.TrimSpace(text)
}

// cachedAnswer payload stored in the answer cache.
type cachedAnswerPayload struct {
	Kind    string     `json:"kind"`
	Text    string     `json:"text,omitempty"`
	Title   string     `json:"title,omitempty"`
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
	Steps   int        `json:"steps"`
}

func (o *Orchestrator) cachedAnswer(ctx context.Context, requestID, request string) (*Answer, bool) {
	if o.cache == nil {
		return nil, false
	}

	var payload cachedAnswerPayload
	hit, err := o.cache.GetAnswer(ctx, utils.HashString(request), &payload)
	if err != nil {
		logger.Warn("Answer cache lookup failed", zap.Error(err))
		return nil, false
	}
	if !hit {
		return nil, false
	}

	ans := &Answer{
		RequestID: requestID,
		Request:   request,
		Kind:      payload.Kind,
		Text:      payload.Text,
		Steps:     payload.Steps,
		Cached:    true,
	}
	if payload.Kind == AnswerTable {
		tbl, err := table.FromRows(payload.Columns, payload.Rows)
		if err != nil {
			logger.Warn("Cached answer is unreadable", zap.Error(err))
			return nil, false
		}
		ans.Result = &store.AnnotatedResult{
			Request: payload.Title,
			Table:   tbl,
			Creator: store.CreatorUser,
		}
	}
	return ans, true
}

func (o *Orchestrator) storeAnswer(ctx context.Context, request string, ans *Answer) {
	if o.cache == nil || ans.Kind == AnswerRefusal {
		return
	}

	payload := cachedAnswerPayload{
		Kind:  ans.Kind,
		Text:  ans.Text,
		Steps: ans.Steps,
	}
	if ans.Kind == AnswerTable && ans.Result != nil {
		payload.Title = ans.Result.Request
		payload.Columns = ans.Result.Table.ColumnNames()
		for i := 0; i < ans.Result.Table.NumRows(); i++ {
			payload.Rows = append(payload.Rows, ans.Result.Table.Row(i))
		}
	}

	if err := o.cache.SetAnswer(ctx, utils.HashString(request), payload, o.cacheTTL); err != nil {
		logger.Warn("Failed to cache answer", zap.Error(err))
	}
}

func answerSummary(ans *Answer) string {
	if ans.Text != "" {
		return ans.Text
	}
	if ans.Result != nil {
		return ans.Result.Table.Head(20).CSV()
	}
	return ""
}

// textCell unwraps the one-cell table text sources produce.
func textCell(t *table.Table) (string, bool) {
	names := t.ColumnNames()
	if len(names) == 1 && names[0] == "Text" && t.NumRows() == 1 {
		return t.Row(0)[0], true
	}
	return "", false
}

func marshalPlan(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
