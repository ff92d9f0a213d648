package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"runbox/internal/common/cache"
	"runbox/internal/common/db"
	"runbox/internal/run/model"
)

const (
	defaultRunCacheTTL      = 30 * time.Minute
	defaultRunCacheEmptyTTL = 30 * time.Second
	runCacheKeyPrefix       = "runs:record:"
)

var (
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished means the run already holds a terminal status.
	ErrRunFinished = errors.New("run already finished")
	// ErrTransitionRejected means the conditional update matched no row in the expected status.
	ErrTransitionRejected = errors.New("run status transition rejected")
)

// RunRepository persists run records.
type RunRepository interface {
	Create(ctx context.Context, run *model.Run) error
	Get(ctx context.Context, runID string) (*model.Run, error)
	// MarkRunning moves a queued run to running. A run that is already running is left as is,
	// so a redelivered job can resume. A terminal run yields ErrRunFinished.
	MarkRunning(ctx context.Context, runID string) error
	// MarkDone writes the terminal result of a running run exactly once.
	MarkDone(ctx context.Context, runID string, result model.Result) error
	// DeleteQueued removes a run that never left the queued status.
	DeleteQueued(ctx context.Context, runID string) error
}

// SQLRunRepository implements RunRepository over db.Database with a cache for finished runs.
type SQLRunRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
	now      func() time.Time
}

// NewRunRepository creates a run repository with defaults. cacheClient may be nil.
func NewRunRepository(database db.Database, cacheClient cache.Cache) *SQLRunRepository {
	return NewRunRepositoryWithTTL(database, cacheClient, defaultRunCacheTTL, defaultRunCacheEmptyTTL)
}

// NewRunRepositoryWithTTL creates a run repository with custom TTL.
func NewRunRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *SQLRunRepository {
	if ttl <= 0 {
		ttl = defaultRunCacheTTL
	}
	if emptyTTL < 0 {
		emptyTTL = 0
	}
	return &SQLRunRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
		now:      time.Now,
	}
}

const runColumns = "id, project_id, language, entrypoint, status, stdout, stderr, wall_ms, cpu_ms, memory_mb, created_at, finished_at"

// Create inserts a queued run.
func (r *SQLRunRepository) Create(ctx context.Context, run *model.Run) error {
	if run == nil {
		return errors.New("run is nil")
	}
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.ProjectID == "" {
		return errors.New("project id is required")
	}
	if run.Status == "" {
		run.Status = model.StatusQueued
	}
	if run.Status != model.StatusQueued {
		return fmt.Errorf("new run must be queued, got %s", run.Status)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.now().UTC()
	}

	query := `
		INSERT INTO runs (id, project_id, language, entrypoint, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := r.db.Exec(ctx, query, run.ID, run.ProjectID, string(run.Language), run.Entrypoint, string(run.Status), run.CreatedAt); err != nil {
		return err
	}
	if r.cache != nil {
		_ = r.cache.Del(ctx, runCacheKey(run.ID))
	}
	return nil
}

// Get loads a run. Only terminal runs are served from cache.
func (r *SQLRunRepository) Get(ctx context.Context, runID string) (*model.Run, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if r.cache == nil {
		return r.getFromDB(ctx, runID)
	}
	run, err := cache.GetWithCached[*model.Run](
		ctx,
		r.cache,
		runCacheKey(runID),
		func(run *model.Run) time.Duration {
			if run.Status.Terminal() {
				return r.ttl
			}
			return 0
		},
		r.emptyTTL,
		func(run *model.Run) bool { return run == nil },
		marshalRun,
		unmarshalRun,
		func(ctx context.Context) (*model.Run, error) {
			run, err := r.getFromDB(ctx, runID)
			if errors.Is(err, ErrRunNotFound) {
				return nil, nil
			}
			return run, err
		},
	)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (r *SQLRunRepository) getFromDB(ctx context.Context, runID string) (*model.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE id = ? LIMIT 1"
	row := r.db.QueryRow(ctx, query, runID)

	run := &model.Run{}
	var (
		language, status        string
		stdout, stderr          *string
		wallMs, cpuMs, memoryMB *int64
	)
	if err := row.Scan(
		&run.ID,
		&run.ProjectID,
		&language,
		&run.Entrypoint,
		&status,
		&stdout,
		&stderr,
		&wallMs,
		&cpuMs,
		&memoryMB,
		&run.CreatedAt,
		&run.FinishedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	run.Language = model.Language(language)
	run.Status = model.Status(status)
	if stdout != nil {
		run.Stdout = *stdout
	}
	if stderr != nil {
		run.Stderr = *stderr
	}
	if wallMs != nil {
		run.WallMs = *wallMs
	}
	if cpuMs != nil {
		run.CPUMs = *cpuMs
	}
	if memoryMB != nil {
		run.MemoryMB = *memoryMB
	}
	return run, nil
}

func (r *SQLRunRepository) MarkRunning(ctx context.Context, runID string) error {
	query := "UPDATE runs SET status = ? WHERE id = ? AND status = ?"
	res, err := r.db.Exec(ctx, query, string(model.StatusRunning), runID, string(model.StatusQueued))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	current, err := r.getFromDB(ctx, runID)
	if err != nil {
		return err
	}
	switch {
	case current.Status == model.StatusRunning:
		return nil
	case current.Status.Terminal():
		return ErrRunFinished
	default:
		return fmt.Errorf("%w: %s to %s", ErrTransitionRejected, current.Status, model.StatusRunning)
	}
}

func (r *SQLRunRepository) MarkDone(ctx context.Context, runID string, result model.Result) error {
	if !model.StatusRunning.CanTransition(result.Status) {
		return fmt.Errorf("%w: %s is not terminal", ErrTransitionRejected, result.Status)
	}
	update := func(ctx context.Context) error {
		query := `
			UPDATE runs
			SET status = ?, stdout = ?, stderr = ?, wall_ms = ?, cpu_ms = ?, memory_mb = ?, finished_at = ?
			WHERE id = ? AND status = ?
		`
		res, err := r.db.Exec(ctx, query,
			string(result.Status),
			result.Stdout,
			result.Stderr,
			result.WallMs,
			result.CPUMs,
			result.MemoryMB,
			r.now().UTC(),
			runID,
			string(model.StatusRunning),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: run %s is not running", ErrTransitionRejected, runID)
		}
		return nil
	}
	if r.cache == nil {
		return update(ctx)
	}
	return cache.UpdateCached(ctx, r.cache, runCacheKey(runID), update)
}

func (r *SQLRunRepository) DeleteQueued(ctx context.Context, runID string) error {
	query := "DELETE FROM runs WHERE id = ? AND status = ?"
	if _, err := r.db.Exec(ctx, query, runID, string(model.StatusQueued)); err != nil {
		return err
	}
	if r.cache != nil {
		_ = r.cache.Del(ctx, runCacheKey(runID))
	}
	return nil
}

func runCacheKey(runID string) string {
	return runCacheKeyPrefix + runID
}

func marshalRun(run *model.Run) (string, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalRun(data string) (*model.Run, error) {
	var run model.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, err
	}
	return &run, nil
}
