package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fpgaoffload/models"
)

// StartRun inserts a running run row.
func (s *Store) StartRun(run models.Run) error {
	if strings.TrimSpace(run.RunID) == "" {
		return errors.New("run_id is required")
	}
	if err := validateMode(run.Mode); err != nil {
		return err
	}
	if run.StartedAt == 0 {
		run.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, device, mode, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		run.RunID,
		run.Device,
		run.Mode,
		run.StartedAt,
		models.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("insert run %q: %w", run.RunID, err)
	}
	return nil
}

// FinishRun records the terminal status of a run.
func (s *Store) FinishRun(runID, status, errText string) error {
	if err := validateRunStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, ended_at = ? WHERE run_id = ?`,
		status,
		errText,
		nowUnixMilli(),
		runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %q: %w", runID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for run %q: %w", runID, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(runID string) (*models.Run, error) {
	row := s.db.QueryRow(
		`SELECT run_id, device, mode, started_at, ended_at, status, error FROM runs WHERE run_id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %q: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT run_id, device, mode, started_at, ended_at, status, error
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func scanRun(row scanner) (*models.Run, error) {
	var (
		run     models.Run
		endedAt sql.NullInt64
	)
	if err := row.Scan(
		&run.RunID,
		&run.Device,
		&run.Mode,
		&run.StartedAt,
		&endedAt,
		&run.Status,
		&run.Error,
	); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		run.EndedAt = endedAt.Int64
	}
	return &run, nil
}
