package engine

import (
	"context"
	"fmt"
	"time"
)

// Engine runs one command to completion under a wall-clock limit.
type Engine interface {
	Run(ctx context.Context, spec Spec) (Outcome, error)
	// Kill terminates the process tree of runID and reports whether such a run was active.
	// A kill for a run that has not started yet is applied when it starts.
	Kill(runID string) bool
}

// Spec describes one process to start.
type Spec struct {
	RunID   string
	WorkDir string
	Cmd     []string
	Env     []string
	// WallTimeout is enforced unconditionally; the whole process group is killed when it fires.
	WallTimeout time.Duration
	Limits      ResourceLimit
}

// ResourceLimit holds per-run ceilings. Zero means unlimited.
type ResourceLimit struct {
	CPUTimeMs int64 `json:"CPUTimeMs"`
	MemoryMB  int64 `json:"MemoryMB"`
	StackMB   int64 `json:"StackMB"`
	OutputMB  int64 `json:"OutputMB"`
	PIDs      int64 `json:"PIDs"`
}

// Outcome is what the process did.
type Outcome struct {
	ExitCode        int
	Signal          string
	Stdout          string
	Stderr          string
	WallMs          int64
	CPUMs           int64
	MemoryKB        int64
	TimedOut        bool
	Killed          bool
	OomKilled       bool
	OutputTruncated bool
}

// Config controls engine behavior.
type Config struct {
	// HelperPath points at the sandbox-init binary. Empty runs commands directly.
	HelperPath       string
	CgroupRoot       string
	SeccompProfile   string
	OutputMaxBytes   int64
	EnableCgroup     bool
	EnableNamespaces bool
	EnableSeccomp    bool
	DisableNetwork   bool
	// KillGrace bounds how long Wait may block on inherited pipes after the group is killed.
	KillGrace time.Duration
}

const (
	defaultOutputMaxBytes int64 = 1 << 20
	defaultKillGrace            = time.Second
)

func (c *Config) applyDefaults() {
	if c.OutputMaxBytes <= 0 {
		c.OutputMaxBytes = defaultOutputMaxBytes
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
}

func validateSpec(spec Spec) error {
	if spec.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if spec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if len(spec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if spec.WallTimeout <= 0 {
		return fmt.Errorf("wall timeout is required")
	}
	return nil
}

// HelperRequest is the JSON document sandbox-init reads from stdin.
type HelperRequest struct {
	WorkDir        string        `json:"WorkDir"`
	Cmd            []string      `json:"Cmd"`
	Env            []string      `json:"Env"`
	Limits         ResourceLimit `json:"Limits"`
	EnableNs       bool          `json:"EnableNs"`
	EnableSeccomp  bool          `json:"EnableSeccomp"`
	SeccompProfile string        `json:"SeccompProfile"`
}
