package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lumix-ai/cil/internal/evaluation"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_metrics (
	run_id        TEXT    NOT NULL,
	seed          INTEGER NOT NULL,
	task          INTEGER NOT NULL,
	known_classes INTEGER NOT NULL,
	total_classes INTEGER NOT NULL,
	cnn_top1      REAL    NOT NULL,
	cnn_topk      REAL    NOT NULL,
	cnn_grouped   TEXT    NOT NULL,
	nme_top1      REAL,
	nme_topk      REAL,
	exemplars     INTEGER NOT NULL,
	params        INTEGER NOT NULL,
	trainable     INTEGER NOT NULL,
	PRIMARY KEY (run_id, task)
);
CREATE TABLE IF NOT EXISTS confusion (
	run_id    TEXT NOT NULL,
	evaluator TEXT NOT NULL,
	class     TEXT NOT NULL,
	task      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS summary (
	run_id           TEXT NOT NULL,
	evaluator        TEXT NOT NULL,
	average_accuracy REAL NOT NULL,
	aan              REAL NOT NULL,
	forgetting       REAL NOT NULL,
	body             TEXT NOT NULL
);`

// SQLiteSink stores artifacts in a SQLite database file.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// DB exposes the handle for read-back.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

func (s *SQLiteSink) WriteTask(ctx context.Context, rec TaskRecord) error {
	grouped, err := json.Marshal(rec.CNN.Grouped)
	if err != nil {
		return fmt.Errorf("failed to encode grouped accuracy: %w", err)
	}
	var nmeTop1, nmeTopK sql.NullFloat64
	if rec.NME != nil {
		nmeTop1 = sql.NullFloat64{Float64: rec.NME.Top1, Valid: true}
		nmeTopK = sql.NullFloat64{Float64: rec.NME.TopK, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_metrics VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Seed, rec.Task, rec.KnownClasses, rec.TotalClasses,
		rec.CNN.Top1, rec.CNN.TopK, string(grouped), nmeTop1, nmeTopK,
		rec.ExemplarSize, rec.Params, rec.Trainable)
	if err != nil {
		return fmt.Errorf("failed to insert task %d: %w", rec.Task, err)
	}
	return nil
}

func (s *SQLiteSink) WriteConfusion(ctx context.Context, runID, name string, c evaluation.Confusion) error {
	class, err := json.Marshal(c.Class)
	if err != nil {
		return err
	}
	task, err := json.Marshal(c.Task)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO confusion VALUES (?, ?, ?, ?)`, runID, name, string(class), string(task)); err != nil {
		return fmt.Errorf("failed to insert confusion: %w", err)
	}
	return nil
}

func (s *SQLiteSink) WriteSummary(ctx context.Context, runID string, summaries []evaluation.Summary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin summary tx: %w", err)
	}
	defer tx.Rollback()
	for _, sum := range summaries {
		body, err := json.Marshal(sum)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO summary VALUES (?, ?, ?, ?, ?, ?)`,
			runID, sum.Name, sum.AverageAccuracy, sum.AAN, sum.Forgetting, string(body)); err != nil {
			return fmt.Errorf("failed to insert summary: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
