package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fpgaoffload/models"
)

// SetEventRetention configures the automatic event pruning horizon.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// LogEvent inserts a run event and applies retention pruning.
func (s *Store) LogEvent(event models.RunEvent) error {
	if strings.TrimSpace(event.Kind) == "" {
		return errors.New("kind is required")
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}
	if err := validateSeverity(event.Severity); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO run_events (
			run_id,
			device,
			kind,
			severity,
			message,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		nullString(strings.TrimSpace(event.RunID)),
		event.Device,
		event.Kind,
		event.Severity,
		event.Message,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert run event %q: %w", event.Kind, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneEvents(cutoff); err != nil {
			return fmt.Errorf("prune run events: %w", err)
		}
	}

	return nil
}

// GetEvents returns recent run events with optional filtering.
func (s *Store) GetEvents(filter EventFilter) ([]models.RunEvent, error) {
	if filter.Severity != "" {
		if err := validateSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		run_id,
		device,
		kind,
		severity,
		message,
		timestamp
	FROM run_events`)

	where := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Device != "" {
		where = append(where, "device = ?")
		args = append(args, filter.Device)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get run events: %w", err)
	}
	defer rows.Close()

	events := make([]models.RunEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run event rows: %w", err)
	}

	return events, nil
}

// PruneEvents removes run events older than cutoffTimestamp.
func (s *Store) PruneEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM run_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune run events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for run event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanEvent(row scanner) (*models.RunEvent, error) {
	var (
		event models.RunEvent
		runID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&runID,
		&event.Device,
		&event.Kind,
		&event.Severity,
		&event.Message,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.RunID = runID.String
	return &event, nil
}
