package client

import (
	"fmt"
	"time"
)

// Status mirrors GET {base}/status.
type Status struct {
	State     string     `json:"state"`
	PID       int        `json:"pid,omitempty"`
	Command   string     `json:"command,omitempty"`
	Args      []string   `json:"args,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Session   string     `json:"session"`
	LogPath   string     `json:"log_path"`
	LogCursor Cursor     `json:"log_cursor"`
	Sample    *Sample    `json:"sample,omitempty"`
}

// Cursor is the tail position in the worker log.
type Cursor struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// Sample is the last resource reading of the worker.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReapReport mirrors POST {base}/reap.
type ReapReport struct {
	Found      int         `json:"found"`
	Terminated int         `json:"terminated"`
	Skipped    int         `json:"skipped"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

type Candidate struct {
	PID     int32    `json:"pid"`
	Name    string   `json:"name"`
	Cmdline []string `json:"cmdline,omitempty"`
	Outcome string   `json:"outcome"`
}

// LogChunk is one piece of decoded log text.
type LogChunk struct {
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

// LogPage mirrors GET {base}/log. Pass Next as since to continue.
type LogPage struct {
	Chunks []LogChunk `json:"chunks"`
	Next   uint64     `json:"next"`
}

// ErrorResponse represents an API error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for any non-200 response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
