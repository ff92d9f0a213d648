// Package service implements the run gateway operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"runbox/internal/run/model"
	"runbox/internal/run/repository"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeLimit = 5 * time.Second
	defaultMaxLimit  = 60 * time.Second
	maxLanguageLen   = 32
)

// KillRequester delivers operator kills to workers.
type KillRequester interface {
	RequestKill(ctx context.Context, runID string) error
}

// StartRunRequest is the client input for a new run.
type StartRunRequest struct {
	ProjectID  string
	Language   model.Language
	Entrypoint string
	TimeLimit  time.Duration
}

// Config holds run service dependencies and settings.
type Config struct {
	Runs      repository.RunRepository
	Files     repository.FileRepository
	Submitter *SubmitService
	Kills     KillRequester
	// DefaultTimeLimit applies when the client sends none. MaxTimeLimit caps client values.
	DefaultTimeLimit time.Duration
	MaxTimeLimit     time.Duration
}

// RunService creates, reads and kills runs.
type RunService struct {
	runs         repository.RunRepository
	files        repository.FileRepository
	submitter    *SubmitService
	kills        KillRequester
	defaultLimit time.Duration
	maxLimit     time.Duration
	newID        func() string
}

func NewRunService(cfg Config) (*RunService, error) {
	if cfg.Runs == nil {
		return nil, fmt.Errorf("run repository is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("file repository is required")
	}
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submit service is required")
	}
	defaultLimit := cfg.DefaultTimeLimit
	if defaultLimit <= 0 {
		defaultLimit = defaultTimeLimit
	}
	maxLimit := cfg.MaxTimeLimit
	if maxLimit <= 0 {
		maxLimit = defaultMaxLimit
	}
	return &RunService{
		runs:         cfg.Runs,
		files:        cfg.Files,
		submitter:    cfg.Submitter,
		kills:        cfg.Kills,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		newID:        uuid.NewString,
	}, nil
}

// StartRun records a queued run over the project's current files and enqueues it.
func (s *RunService) StartRun(ctx context.Context, req StartRunRequest) (*model.Run, error) {
	if req.ProjectID == "" {
		return nil, appErr.ValidationError("project_id", "required")
	}
	if req.Entrypoint == "" {
		return nil, appErr.ValidationError("entrypoint", "required")
	}
	// Languages the workers cannot run are accepted and finish as failed runs.
	if req.Language == "" {
		return nil, appErr.ValidationError("language", "required")
	}
	if len(req.Language) > maxLanguageLen {
		return nil, appErr.ValidationError("language", fmt.Sprintf("must be at most %d bytes", maxLanguageLen))
	}
	limit := req.TimeLimit
	if limit == 0 {
		limit = s.defaultLimit
	}
	if limit < 0 || limit > s.maxLimit {
		return nil, appErr.ValidationError("time_limit", fmt.Sprintf("must be between 1 and %d seconds", int(s.maxLimit/time.Second)))
	}

	files, err := s.files.GetFiles(ctx, req.ProjectID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load project files failed")
	}
	if len(files) == 0 {
		return nil, appErr.Newf(appErr.ProjectNotFound, "project %s not found", req.ProjectID)
	}

	run := &model.Run{
		ID:         s.newID(),
		ProjectID:  req.ProjectID,
		Language:   req.Language,
		Entrypoint: req.Entrypoint,
		Status:     model.StatusQueued,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, appErr.Wrapf(err, appErr.RunCreateFailed, "create run failed")
	}
	ctx = logger.WithRunID(ctx, run.ID)

	_, err = s.submitter.Submit(ctx, SubmitRequest{
		RunID:      run.ID,
		ProjectID:  run.ProjectID,
		Files:      files,
		Language:   run.Language,
		Entrypoint: run.Entrypoint,
		TimeLimit:  limit,
	})
	if err != nil {
		// Nothing will ever pick the run up, so it must not linger as queued.
		if delErr := s.runs.DeleteQueued(context.WithoutCancel(ctx), run.ID); delErr != nil {
			logger.Error(ctx, "remove unsubmitted run failed", zap.Error(delErr))
		}
		return nil, err
	}
	return run, nil
}

// GetRun returns the current record of runID.
func (s *RunService) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	if runID == "" {
		return nil, appErr.ValidationError("run_id", "required")
	}
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			return nil, appErr.Newf(appErr.RunNotFound, "run %s not found", runID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load run failed")
	}
	return run, nil
}

// KillRun asks the worker executing runID to terminate it.
func (s *RunService) KillRun(ctx context.Context, runID string) error {
	if s.kills == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("run kill is not enabled")
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return appErr.Newf(appErr.RunAlreadyFinished, "run %s already %s", runID, run.Status)
	}
	if run.Status != model.StatusRunning {
		return appErr.Newf(appErr.InvalidTransition, "run %s has not started", runID)
	}
	if err := s.kills.RequestKill(ctx, runID); err != nil {
		return err
	}
	logger.Info(logger.WithRunID(ctx, runID), "kill requested")
	return nil
}
