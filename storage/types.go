package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fpgaoffload/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// EventFilter narrows GetEvents results.
type EventFilter struct {
	RunID         string
	Device        string
	Kind          string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateMode(mode string) error {
	switch mode {
	case models.ModeRemote, models.ModeLocal:
		return nil
	default:
		return fmt.Errorf("invalid run mode %q", mode)
	}
}

func validateRunStatus(status string) error {
	switch status {
	case models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status %q", status)
	}
}

func validateSeverity(severity string) error {
	switch severity {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity %q", severity)
	}
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
