package controller

import (
	"context"
	"time"

	"runbox/internal/run/model"
	"runbox/internal/run/service"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// RunService is the subset of the run service the HTTP layer needs.
type RunService interface {
	StartRun(ctx context.Context, req service.StartRunRequest) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	KillRun(ctx context.Context, runID string) error
}

// RunController handles run HTTP endpoints.
type RunController struct {
	runService RunService
}

// NewRunController creates a new RunController.
func NewRunController(runService RunService) *RunController {
	return &RunController{runService: runService}
}

// Register mounts the run routes on group.
func (h *RunController) Register(group gin.IRoutes) {
	group.POST("/projects/:projectId/runs", h.Start)
	group.GET("/runs/:runId", h.Get)
	group.POST("/runs/:runId/kill", h.Kill)
}

// Start queues a run of the project's current files.
func (h *RunController) Start(c *gin.Context) {
	projectID := c.Param("projectId")
	if projectID == "" {
		response.BadRequest(c, "Invalid project id")
		return
	}
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if req.TimeLimit < 0 {
		response.BadRequest(c, "time_limit must be positive")
		return
	}

	run, err := h.runService.StartRun(c.Request.Context(), service.StartRunRequest{
		ProjectID:  projectID,
		Language:   model.Language(req.Language),
		Entrypoint: req.Entrypoint,
		TimeLimit:  time.Duration(req.TimeLimit) * time.Second,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, StartRunResponse{
		RunID:  run.ID,
		Status: string(run.Status),
	})
}

// Get returns the current run record.
func (h *RunController) Get(c *gin.Context) {
	runID := c.Param("runId")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	run, err := h.runService.GetRun(c.Request.Context(), runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, run)
}

// Kill asks the executing worker to stop the run.
func (h *RunController) Kill(c *gin.Context) {
	runID := c.Param("runId")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	if err := h.runService.KillRun(c.Request.Context(), runID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, KillRunResponse{RunID: runID, Requested: true})
}

// StartRunRequest defines the run payload. TimeLimit is in seconds.
type StartRunRequest struct {
	Language   string `json:"language" binding:"required"`
	Entrypoint string `json:"entrypoint" binding:"required"`
	TimeLimit  int    `json:"time_limit"`
}

// StartRunResponse is returned for an accepted run.
type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// KillRunResponse acknowledges a kill request.
type KillRunResponse struct {
	RunID     string `json:"run_id"`
	Requested bool   `json:"requested"`
}
