//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const helperPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// pendingKillTTL bounds how long a kill for a run that has not started yet is remembered.
const pendingKillTTL = 10 * time.Minute

type linuxEngine struct {
	cfg Config

	mu      sync.Mutex
	active  map[string]*activeRun
	pending map[string]time.Time
	now     func() time.Time
}

type activeRun struct {
	pid    int
	cgroup string
	killed atomic.Bool

	// mu orders kills against Wait returning; no signal is sent once exited is set.
	mu     sync.Mutex
	exited bool
}

// NewEngine creates the Linux engine. Every run gets its own process group, and the group is
// SIGKILLed on timeout, on operator kill, and when ctx is cancelled.
func NewEngine(cfg Config) (Engine, error) {
	cfg.applyDefaults()
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if (cfg.EnableNamespaces || cfg.EnableSeccomp) && cfg.HelperPath == "" {
		return nil, fmt.Errorf("helper path is required for namespaces or seccomp")
	}
	return &linuxEngine{
		cfg:     cfg,
		active:  make(map[string]*activeRun),
		pending: make(map[string]time.Time),
		now:     time.Now,
	}, nil
}

func (e *linuxEngine) Run(ctx context.Context, spec Spec) (Outcome, error) {
	if err := validateSpec(spec); err != nil {
		return Outcome{}, err
	}

	cgroupPath := ""
	if e.cfg.EnableCgroup {
		var cleanup func()
		var err error
		cgroupPath, cleanup, err = createRunCgroup(e.cfg.CgroupRoot, spec.RunID)
		if err != nil {
			return Outcome{}, fmt.Errorf("create cgroup: %w", err)
		}
		defer cleanup()
		if err := applyCgroupLimits(cgroupPath, spec.Limits); err != nil {
			return Outcome{}, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}

	cmd, err := e.buildCommand(spec)
	if err != nil {
		return Outcome{}, err
	}
	stdout := newCappedBuffer(e.cfg.OutputMaxBytes)
	stderr := newCappedBuffer(e.cfg.OutputMaxBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.cfg.KillGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start process: %w", err)
	}
	run := &activeRun{pid: cmd.Process.Pid, cgroup: cgroupPath}
	killRequested := e.register(spec.RunID, run)
	defer e.unregister(spec.RunID, run)

	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, run.pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}
	if killRequested {
		run.killed.Store(true)
		e.killRun(run)
	}

	var timedOut, cancelled atomic.Bool
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		timer := time.NewTimer(spec.WallTimeout)
		defer timer.Stop()
		var reason *atomic.Bool
		select {
		case <-ctx.Done():
			reason = &cancelled
		case <-timer.C:
			reason = &timedOut
		case <-stop:
			return
		}
		run.mu.Lock()
		defer run.mu.Unlock()
		if run.exited {
			return
		}
		reason.Store(true)
		e.killRun(run)
	}()

	waitErr := cmd.Wait()
	run.mu.Lock()
	run.exited = true
	run.mu.Unlock()
	close(stop)
	<-stopped
	wall := time.Since(start)

	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return Outcome{}, fmt.Errorf("wait process: %w", waitErr)
		}
	}

	signal := signalName(cmd.ProcessState)
	byTimeout, byKill, byCancel := termination(timedOut.Load(), run.killed.Load(), cancelled.Load(), signal != "")
	out := Outcome{
		ExitCode:        exitCode(cmd.ProcessState),
		Signal:          signal,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		WallMs:          wall.Milliseconds(),
		CPUMs:           cpuTimeMs(cmd.ProcessState),
		MemoryKB:        memoryPeakKB(cgroupPath, cmd.ProcessState),
		TimedOut:        byTimeout,
		Killed:          byKill,
		OomKilled:       wasOomKilled(cgroupPath),
		OutputTruncated: stdout.Truncated() || stderr.Truncated(),
	}
	if byCancel {
		return out, ctx.Err()
	}
	return out, nil
}

// termination decides which kill ended the run. A kill that raced with a normal exit does not count,
// so a process that was not terminated by a signal is reported as having finished on its own.
func termination(timedOut, killed, cancelled, signaled bool) (byTimeout, byKill, byCancel bool) {
	if !signaled {
		return false, false, false
	}
	switch {
	case timedOut:
		return true, false, false
	case killed:
		return false, true, false
	case cancelled:
		return false, false, true
	}
	return false, false, false
}

func (e *linuxEngine) buildCommand(spec Spec) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	if e.cfg.HelperPath != "" {
		payload, err := json.Marshal(HelperRequest{
			WorkDir:        spec.WorkDir,
			Cmd:            spec.Cmd,
			Env:            spec.Env,
			Limits:         spec.Limits,
			EnableNs:       e.cfg.EnableNamespaces,
			EnableSeccomp:  e.cfg.EnableSeccomp,
			SeccompProfile: e.cfg.SeccompProfile,
		})
		if err != nil {
			return nil, fmt.Errorf("encode helper request: %w", err)
		}
		cmd = exec.Command(e.cfg.HelperPath)
		cmd.Stdin = bytes.NewReader(payload)
		cmd.Env = []string{helperPath}
	} else {
		cmd = exec.Command(spec.Cmd[0], spec.Cmd[1:]...)
		cmd.Env = spec.Env
	}
	cmd.Dir = spec.WorkDir
	cmd.SysProcAttr = e.sysProcAttr()
	return cmd, nil
}

func (e *linuxEngine) sysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !e.cfg.EnableNamespaces {
		return attr
	}
	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER)
	if e.cfg.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	return attr
}

// Kill signals an active run. A run that has not started yet is killed as soon as it does,
// provided it starts within pendingKillTTL.
func (e *linuxEngine) Kill(runID string) bool {
	e.mu.Lock()
	run, ok := e.active[runID]
	if !ok {
		now := e.now()
		for id, at := range e.pending {
			if now.Sub(at) > pendingKillTTL {
				delete(e.pending, id)
			}
		}
		e.pending[runID] = now
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.exited {
		return false
	}
	run.killed.Store(true)
	e.killRun(run)
	return true
}

func (e *linuxEngine) killRun(run *activeRun) {
	if run.cgroup != "" {
		_ = killCgroup(run.cgroup)
	}
	if run.pid > 0 {
		_ = unix.Kill(-run.pid, unix.SIGKILL)
	}
}

// register makes run killable and reports whether a kill arrived before it started.
func (e *linuxEngine) register(runID string, run *activeRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[runID] = run
	at, ok := e.pending[runID]
	delete(e.pending, runID)
	return ok && e.now().Sub(at) <= pendingKillTTL
}

func (e *linuxEngine) unregister(runID string, run *activeRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[runID] == run {
		delete(e.active, runID)
	}
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}

func signalName(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}

func cpuTimeMs(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	return (state.UserTime() + state.SystemTime()).Milliseconds()
}
