// Package sqlite is the local ledger: one row per ingestion with the outcome
// of each store write, and one row per chat turn.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
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
	CREATE TABLE IF NOT EXISTS ingestions (
		document_id TEXT PRIMARY KEY,
		source_name TEXT NOT NULL,
		title TEXT NOT NULL,
		chunk_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ingestions_created ON ingestions(created_at);

	CREATE TABLE IF NOT EXISTS ingestion_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		store TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		FOREIGN KEY (document_id) REFERENCES ingestions(document_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_document ON ingestion_outcomes(document_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_status ON ingestion_outcomes(status);

	CREATE TABLE IF NOT EXISTS chat_history (
		id TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		reply_chars INTEGER NOT NULL,
		context_count INTEGER NOT NULL,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_created ON chat_history(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// InsertIngestion records an ingestion and replaces any outcomes previously
// recorded for the same document.
func (c *Client) InsertIngestion(ctx context.Context, record *models.IngestionRecord) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ingestions (document_id, source_name, title, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			source_name = excluded.source_name,
			title = excluded.title,
			chunk_count = excluded.chunk_count
	`,
		record.DocumentID,
		record.SourceName,
		record.Title,
		record.ChunkCount,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ingestion: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ingestion_outcomes WHERE document_id = ?`, record.DocumentID); err != nil {
		return fmt.Errorf("failed to clear outcomes: %w", err)
	}

	for _, o := range record.Outcomes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ingestion_outcomes (document_id, store, status, error) VALUES (?, ?, ?, ?)`,
			record.DocumentID, o.Store, o.Status, nullString(o.Error),
		)
		if err != nil {
			return fmt.Errorf("failed to insert outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ingestion: %w", err)
	}

	logger.Debug("Ingestion recorded",
		zap.String("document_id", record.DocumentID),
		zap.Bool("consistent", record.Consistent()),
	)
	return nil
}

func (c *Client) GetIngestion(ctx context.Context, documentID string) (*models.IngestionRecord, error) {
	var (
		record    models.IngestionRecord
		createdAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT document_id, source_name, title, chunk_count, created_at FROM ingestions WHERE document_id = ?`,
		documentID,
	).Scan(&record.DocumentID, &record.SourceName, &record.Title, &record.ChunkCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ingestion %s: %w", documentID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion: %w", err)
	}
	record.CreatedAt = time.Unix(createdAt, 0)

	outcomes, err := c.outcomes(ctx, documentID)
	if err != nil {
		return nil, err
	}
	record.Outcomes = outcomes
	return &record, nil
}

// ListInconsistentIngestions returns the newest ingestions where at least
// one store did not accept the document.
func (c *Client) ListInconsistentIngestions(ctx context.Context, limit int) ([]models.IngestionRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT i.document_id, i.source_name, i.title, i.chunk_count, i.created_at
		FROM ingestions i
		WHERE EXISTS (
			SELECT 1 FROM ingestion_outcomes o
			WHERE o.document_id = i.document_id AND o.status != ?
		)
		ORDER BY i.created_at DESC, i.document_id
		LIMIT ?
	`, models.OutcomeOK, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestions: %w", err)
	}
	defer rows.Close()

	var records []models.IngestionRecord
	for rows.Next() {
		var (
			record    models.IngestionRecord
			createdAt int64
		)
		if err := rows.Scan(&record.DocumentID, &record.SourceName, &record.Title, &record.ChunkCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ingestion: %w", err)
		}
		record.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range records {
		outcomes, err := c.outcomes(ctx, records[i].DocumentID)
		if err != nil {
			return nil, err
		}
		records[i].Outcomes = outcomes
	}
	return records, nil
}

func (c *Client) DeleteIngestion(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM ingestions WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete ingestion: %w", err)
	}
	return nil
}

func (c *Client) outcomes(ctx context.Context, documentID string) ([]models.StoreOutcome, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT store, status, error FROM ingestion_outcomes WHERE document_id = ? ORDER BY id`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []models.StoreOutcome
	for rows.Next() {
		var (
			o      models.StoreOutcome
			errMsg sql.NullString
		)
		if err := rows.Scan(&o.Store, &o.Status, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Error = errMsg.String
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (c *Client) InsertChatRecord(ctx context.Context, record *models.ChatRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO chat_history (id, query_text, reply_chars, context_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.Query,
		record.ReplyChars,
		record.ContextCount,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat record: %w", err)
	}

	logger.Debug("Chat turn recorded", zap.String("chat_id", record.ID))
	return nil
}

func (c *Client) ListChatRecords(ctx context.Context, limit int) ([]models.ChatRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query_text, reply_chars, context_count, latency_ms, created_at
		FROM chat_history
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat records: %w", err)
	}
	defer rows.Close()

	var records []models.ChatRecord
	for rows.Next() {
		var (
			r         models.ChatRecord
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Query, &r.ReplyChars, &r.ContextCount, &r.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat record: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
