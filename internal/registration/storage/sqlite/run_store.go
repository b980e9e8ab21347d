package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/gicp/internal/registration"
	"github.com/banshee-data/gicp/internal/registration/lsq"
	"github.com/banshee-data/gicp/internal/timeutil"
	"github.com/google/uuid"
)

// Run is one persisted registration.
type Run struct {
	RunID            string                 `json:"run_id"`
	Label            string                 `json:"label"`
	ConfigJSON       json.RawMessage        `json:"config_json,omitempty"`
	SourcePoints     int                    `json:"source_points"`
	TargetPoints     int                    `json:"target_points"`
	InitialTransform registration.Transform `json:"initial_transform"`
	FinalTransform   registration.Transform `json:"final_transform"`
	FinalError       float64                `json:"final_error"`
	Iterations       int                    `json:"iterations"`
	Converged        bool                   `json:"converged"`
	ElapsedNanos     int64                  `json:"elapsed_nanos"`
	CreatedAt        int64                  `json:"created_at"`
}

// RunStore provides persistence for registration runs.
type RunStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewRunStore creates a new RunStore stamping runs with the wall clock.
func NewRunStore(db *sql.DB) *RunStore {
	return NewRunStoreWithClock(db, timeutil.RealClock{})
}

// NewRunStoreWithClock creates a RunStore that stamps runs with clock.
func NewRunStoreWithClock(db *sql.DB, clock timeutil.Clock) *RunStore {
	return &RunStore{db: db, clock: clock}
}

// Insert persists run and its optimizer history. If RunID is empty, a UUID
// is generated.
func (s *RunStore) Insert(run *Run, history []lsq.Iteration) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = s.clock.Now().UnixNano()
	}

	initial, err := json.Marshal(run.InitialTransform)
	if err != nil {
		return fmt.Errorf("marshal initial transform: %w", err)
	}
	final, err := json.Marshal(run.FinalTransform)
	if err != nil {
		return fmt.Errorf("marshal final transform: %w", err)
	}
	var configStr interface{}
	if len(run.ConfigJSON) > 0 {
		configStr = string(run.ConfigJSON)
	}

	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`
			INSERT INTO registration_runs (
				run_id, label, config_json, source_points, target_points,
				initial_transform, final_transform, final_error, iterations,
				converged, elapsed_nanos, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Label, configStr, run.SourcePoints, run.TargetPoints,
			string(initial), string(final), run.FinalError, run.Iterations,
			run.Converged, run.ElapsedNanos, run.CreatedAt,
		); err != nil {
			return err
		}

		for _, it := range history {
			if _, err := tx.Exec(`
				INSERT INTO registration_iterations (
					run_id, iteration, error, accepted, lambda, trials, step_norm, matched
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				run.RunID, it.Index, it.Error, it.Accepted, it.Lambda, it.Trials, it.StepNorm, it.Matched,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

const runColumns = `run_id, label, config_json, source_points, target_points,
	initial_transform, final_transform, final_error, iterations,
	converged, elapsed_nanos, created_at`

// Get returns a single run by ID.
func (s *RunStore) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM registration_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List returns the most recent runs, newest first. A limit of 0 returns all.
func (s *RunStore) List(limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM registration_runs ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// History returns the stored optimizer iterations of a run in order.
func (s *RunStore) History(runID string) ([]lsq.Iteration, error) {
	rows, err := s.db.Query(`
		SELECT iteration, error, accepted, lambda, trials, step_norm, matched
		FROM registration_iterations
		WHERE run_id = ?
		ORDER BY iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var out []lsq.Iteration
	for rows.Next() {
		var it lsq.Iteration
		if err := rows.Scan(&it.Index, &it.Error, &it.Accepted, &it.Lambda, &it.Trials, &it.StepNorm, &it.Matched); err != nil {
			return nil, fmt.Errorf("scan iteration row: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Delete removes a run and its history.
func (s *RunStore) Delete(runID string) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM registration_iterations WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete iterations: %w", err)
		}
		result, err := tx.Exec(`DELETE FROM registration_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("run %s not found", runID)
		}
		return tx.Commit()
	})
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var configStr sql.NullString
	var initial, final string
	err := row.Scan(
		&r.RunID, &r.Label, &configStr, &r.SourcePoints, &r.TargetPoints,
		&initial, &final, &r.FinalError, &r.Iterations,
		&r.Converged, &r.ElapsedNanos, &r.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}
	if configStr.Valid {
		r.ConfigJSON = json.RawMessage(configStr.String)
	}
	if err := json.Unmarshal([]byte(initial), &r.InitialTransform); err != nil {
		return nil, fmt.Errorf("decode initial transform: %w", err)
	}
	if err := json.Unmarshal([]byte(final), &r.FinalTransform); err != nil {
		return nil, fmt.Errorf("decode final transform: %w", err)
	}
	return &r, nil
}
