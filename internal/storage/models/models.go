package models

import "time"

// Request kinds recorded in history.
const (
	KindLinear      = "linear"
	KindAggregation = "aggregation"
	KindOffTopic    = "off_topic"
)

// Request statuses recorded in history.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type RequestRecord struct {
	ID          string
	SessionID   string
	RequestText string
	Kind        string
	PlanJSON    string
	Status      string
	Error       string
	ResultTitle string
	RowCount    int
	LatencyMS   int
	CreatedAt   time.Time
}

type Feedback struct {
	ID            int
	RequestID     string
	Helpful       bool
	IssueCategory string
	Comment       string
	CreatedAt     time.Time
}

type EvaluationResult struct {
	ID                int
	RequestID         string
	RelevanceScore    float64
	CompletenessScore float64
	Classification    string
	Reasoning         string
	CreatedAt         time.Time
}
