package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"runbox/internal/run/model"
	"runbox/internal/run/sandbox/engine"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultTimeLimit applies when a request carries no limit.
const DefaultTimeLimit = 5 * time.Second

const baseEnvPath = "PATH=/usr/local/bin:/usr/bin:/bin"

// Request is one execution.
type Request struct {
	RunID      string
	Files      map[string]string
	Language   model.Language
	Entrypoint string
	TimeLimit  time.Duration
}

// Executor runs requests to completion.
type Executor interface {
	// Execute always classifies the program's behavior into a Result. The error is non-nil only
	// when ctx ended first and the run was abandoned without a verdict.
	Execute(ctx context.Context, req Request) (model.Result, error)
	// Kill terminates an active run, which then finishes as killed.
	Kill(runID string) bool
}

// Config controls the executor.
type Config struct {
	WorkRoot string
	Limits   engine.ResourceLimit
}

// SandboxExecutor implements Executor on top of an engine.
type SandboxExecutor struct {
	engine   engine.Engine
	registry *Registry
	cfg      Config
	lookPath func(string) (string, error)
}

// NewExecutor wires an engine and a runtime registry.
func NewExecutor(eng engine.Engine, registry *Registry, cfg Config) (*SandboxExecutor, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("runtime registry is required")
	}
	return &SandboxExecutor{engine: eng, registry: registry, cfg: cfg, lookPath: resolveBinary}, nil
}

// Execute runs req.Entrypoint with the language's runtime.
func (e *SandboxExecutor) Execute(ctx context.Context, req Request) (model.Result, error) {
	if _, ok := req.Files[req.Entrypoint]; !ok {
		return model.Failed(fmt.Sprintf("entrypoint %s not found", req.Entrypoint)), nil
	}
	rt, ok := e.registry.Lookup(req.Language)
	if !ok {
		return model.Failed(fmt.Sprintf("unsupported language %s", req.Language)), nil
	}
	argv, err := rt.Command(req.Entrypoint)
	if err != nil {
		return model.Failed(err.Error()), nil
	}
	binary, err := e.lookPath(argv[0])
	if err != nil {
		return model.Failed(fmt.Sprintf("%s runtime not installed", filepath.Base(argv[0]))), nil
	}
	argv[0] = binary

	limit := req.TimeLimit
	if limit <= 0 {
		limit = DefaultTimeLimit
	}

	ws, err := newWorkspace(e.cfg.WorkRoot, req.RunID)
	if err != nil {
		logger.Error(ctx, "create workspace failed", zap.Error(err))
		return model.Failed("sandbox error: " + err.Error()), nil
	}
	defer func() {
		if err := ws.remove(); err != nil {
			logger.Warn(ctx, "remove workspace failed", zap.String("dir", ws.dir), zap.Error(err))
		}
	}()
	if err := ws.write(req.Files); err != nil {
		return model.Failed(err.Error()), nil
	}

	env := append([]string{baseEnvPath, "HOME=" + ws.dir, "LANG=C.UTF-8"}, rt.Env...)
	out, err := e.engine.Run(ctx, engine.Spec{
		RunID:       req.RunID,
		WorkDir:     ws.dir,
		Cmd:         argv,
		Env:         env,
		WallTimeout: limit,
		Limits:      e.cfg.Limits,
	})
	if err != nil {
		if ctx.Err() != nil {
			return model.Result{}, ctx.Err()
		}
		logger.Error(ctx, "sandbox run failed", zap.Error(err))
		return model.Failed("sandbox error: " + err.Error()), nil
	}
	return classify(req.Language, limit, out), nil
}

// Kill forwards to the engine.
func (e *SandboxExecutor) Kill(runID string) bool {
	return e.engine.Kill(runID)
}

func classify(language model.Language, limit time.Duration, out engine.Outcome) model.Result {
	res := model.Result{
		Status:   model.StatusSucceeded,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		WallMs:   out.WallMs,
		CPUMs:    out.CPUMs,
		MemoryMB: (out.MemoryKB + 1023) / 1024,
	}
	switch {
	case out.Killed:
		res.Status = model.StatusKilled
		res.Stderr = appendDiagnostic(res.Stderr, "killed")
	case out.TimedOut:
		res.Status = model.StatusFailed
		res.Stderr = appendDiagnostic(res.Stderr, fmt.Sprintf("%s execution timed out after %s", language, limit))
	case out.OomKilled:
		res.Status = model.StatusFailed
		res.Stderr = appendDiagnostic(res.Stderr, "memory limit exceeded")
	case out.Signal != "":
		res.Status = model.StatusFailed
		res.Stderr = appendDiagnostic(res.Stderr, "terminated by signal: "+out.Signal)
	case out.ExitCode != 0:
		res.Status = model.StatusFailed
	}
	if out.OutputTruncated {
		res.Stderr = appendDiagnostic(res.Stderr, appErr.OutputLimitExceeded.Message())
	}
	return res
}

func appendDiagnostic(stderr, diagnostic string) string {
	if stderr == "" {
		return diagnostic
	}
	if !strings.HasSuffix(stderr, "\n") {
		stderr += "\n"
	}
	return stderr + diagnostic
}
