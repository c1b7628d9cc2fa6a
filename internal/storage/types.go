package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobReport records one finished send job.
// Keep it compact and schema-stable.
type JobReport struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	Outcome    string    `json:"outcome"` // "completed" or "stopped"
	Total      int       `json:"total"`
	SentIDs    []string  `json:"sent_ids"`
	FailedIDs  []string  `json:"failed_ids"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
