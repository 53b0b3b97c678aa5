package IO

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/training"
)

// History records runs, their epoch losses and evaluation scores in sqlite.
type History struct {
	conn *sql.DB
}

// Run is one row of the runs table.
type Run struct {
	ID        string
	Model     string
	Started   time.Time
	Status    string
	Epochs    int
	BestVal   sql.NullFloat64
	BLEU      sql.NullFloat64
	ConfigRaw string
}

func OpenHistory(path string) (*History, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	h := &History{conn: conn}
	if err := h.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return h, nil
}

func (h *History) init() error {
	_, err := h.conn.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		bleu REAL,
		config TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS epochs (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		epoch INTEGER NOT NULL,
		lr REAL NOT NULL,
		x_t REAL NOT NULL,
		x_1 REAL NOT NULL,
		prob REAL NOT NULL,
		val_x_t REAL NOT NULL,
		val_x_1 REAL NOT NULL,
		val_prob REAL NOT NULL,
		rounding REAL NOT NULL,
		early_stop BOOLEAN NOT NULL DEFAULT 0,
		seconds REAL NOT NULL,
		PRIMARY KEY (run_id, epoch)
	);
	`)
	return err
}

func (h *History) Close() error {
	return h.conn.Close()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// StartRun inserts a running row for cfg. An existing id is resumed.
func (h *History) StartRun(id string, cfg params.TrainingConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = h.conn.Exec(`INSERT INTO runs (id, model, started_at, config) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = 'running'`,
		id, cfg.ModelName(), time.Now().UTC(), string(raw))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

func (h *History) FinishRun(id, status string) error {
	_, err := h.conn.Exec(`UPDATE runs SET status = ? WHERE id = ?`, status, id)
	return err
}

func (h *History) RecordBLEU(id string, score float64) error {
	_, err := h.conn.Exec(`UPDATE runs SET bleu = ? WHERE id = ?`, score, id)
	return err
}

// Reporter binds the store to a run so the trainer can feed it epochs.
func (h *History) Reporter(runID string) training.Reporter {
	return historyReporter{h: h, run: runID}
}

type historyReporter struct {
	h   *History
	run string
}

func (r historyReporter) ReportEpoch(e training.EpochReport) error {
	_, err := r.h.conn.Exec(`INSERT OR REPLACE INTO epochs
		(run_id, epoch, lr, x_t, x_1, prob, val_x_t, val_x_1, val_prob, rounding, early_stop, seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.run, e.Epoch, e.LearningRate,
		e.Train.Xt, e.Train.X1, e.Train.Prob,
		e.Validation.Xt, e.Validation.X1, e.Validation.Prob,
		e.RoundingWeight, e.EarlyStop, e.Duration.Seconds())
	if err != nil {
		return fmt.Errorf("record epoch: %w", err)
	}
	return nil
}

// Runs lists runs, newest first, with their epoch count and best validation loss.
func (h *History) Runs() ([]Run, error) {
	rows, err := h.conn.Query(`
	SELECT r.id, r.model, r.started_at, r.status, r.bleu, r.config,
		COUNT(e.epoch), MIN(e.val_x_t + e.val_x_1 + e.val_prob)
	FROM runs r LEFT JOIN epochs e ON e.run_id = r.id
	GROUP BY r.id
	ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Model, &r.Started, &r.Status, &r.BLEU, &r.ConfigRaw, &r.Epochs, &r.BestVal); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Epochs returns the recorded epochs of a run in order.
func (h *History) Epochs(runID string) ([]training.EpochReport, error) {
	rows, err := h.conn.Query(`
	SELECT epoch, lr, x_t, x_1, prob, val_x_t, val_x_1, val_prob, rounding, early_stop, seconds
	FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []training.EpochReport
	for rows.Next() {
		var e training.EpochReport
		var secs float64
		if err := rows.Scan(&e.Epoch, &e.LearningRate, &e.Train.Xt, &e.Train.X1, &e.Train.Prob,
			&e.Validation.Xt, &e.Validation.X1, &e.Validation.Prob, &e.RoundingWeight, &e.EarlyStop, &secs); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(secs * float64(time.Second))
		out = append(out, e)
	}
	return out, rows.Err()
}
