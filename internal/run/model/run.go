package model

import "time"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusKilled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusKilled:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next. Runs only move forward and never skip running.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

// Language identifies a runtime variant.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
)

// Run is the durable record of one execution request.
type Run struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	Language   Language   `json:"language"`
	Entrypoint string     `json:"entrypoint"`
	Status     Status     `json:"status"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	WallMs     int64      `json:"wall_ms"`
	CPUMs      int64      `json:"cpu_ms"`
	MemoryMB   int64      `json:"memory_mb"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Result is the outcome of one sandbox execution.
type Result struct {
	Status   Status `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	WallMs   int64  `json:"wall_ms"`
	CPUMs    int64  `json:"cpu_ms"`
	MemoryMB int64  `json:"memory_mb"`
}

// Failed builds a failed result whose stderr carries diagnostic.
func Failed(diagnostic string) Result {
	return Result{Status: StatusFailed, Stderr: diagnostic}
}
