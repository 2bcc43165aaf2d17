package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/storage/models"
	"github.com/geoquery/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		request_text TEXT NOT NULL,
		kind TEXT NOT NULL,
		plan_json TEXT,
		status TEXT NOT NULL,
		error TEXT,
		result_title TEXT,
		row_count INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_session ON requests(session_id);
	CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		helpful INTEGER NOT NULL,
		issue_category TEXT,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (request_id) REFERENCES requests(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_request ON feedback(request_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback(created_at);

	CREATE TABLE IF NOT EXISTS evaluation_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		relevance_score REAL,
		completeness_score REAL,
		classification TEXT,
		reasoning TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (request_id) REFERENCES requests(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_eval_request ON evaluation_results(request_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertRequestRecord(record *models.RequestRecord) error {
	query := `
		INSERT INTO requests (id, session_id, request_text, kind, plan_json, status, error,
			result_title, row_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			result_title = excluded.result_title,
			row_count = excluded.row_count,
			latency_ms = excluded.latency_ms
	`

	_, err := c.db.Exec(
		query,
		record.ID,
		record.SessionID,
		record.RequestText,
		record.Kind,
		record.PlanJSON,
		record.Status,
		record.Error,
		record.ResultTitle,
		record.RowCount,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert request record: %w", err)
	}

	logger.Info("Request recorded",
		zap.String("request_id", record.ID),
		zap.String("kind", record.Kind),
		zap.String("status", record.Status),
	)

	return nil
}

func (c *Client) GetHistory(sessionID string, limit int) ([]models.RequestRecord, error) {
	query := `
		SELECT id, request_text, kind, status, error, result_title, row_count, latency_ms, created_at
		FROM requests
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get request history: %w", err)
	}
	defer rows.Close()

	var records []models.RequestRecord
	for rows.Next() {
		var r models.RequestRecord
		var createdAt int64

		err := rows.Scan(&r.ID, &r.RequestText, &r.Kind, &r.Status, &r.Error,
			&r.ResultTitle, &r.RowCount, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.SessionID = sessionID
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, nil
}

func (c *Client) StoreFeedback(feedback *models.Feedback) error {
	query := `INSERT INTO feedback (request_id, helpful, issue_category, comment, created_at) VALUES (?, ?, ?, ?, ?)`

	helpful := 0
	if feedback.Helpful {
		helpful = 1
	}

	_, err := c.db.Exec(
		query,
		feedback.RequestID,
		helpful,
		feedback.IssueCategory,
		feedback.Comment,
		time.Now().Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("request_id", feedback.RequestID),
		zap.Bool("helpful", feedback.Helpful),
	)

	return nil
}

func (c *Client) InsertEvaluation(result *models.EvaluationResult) error {
	query := `
		INSERT INTO evaluation_results (request_id, relevance_score, completeness_score,
			classification, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		result.RequestID,
		result.RelevanceScore,
		result.CompletenessScore,
		result.Classification,
		result.Reasoning,
		time.Now().Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}

	return nil
}
