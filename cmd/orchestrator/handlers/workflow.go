package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/cmd/orchestrator/service"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/store"
	"github.com/lyzr/conductor/common/workflow"
)

// WorkflowHandler serves the workflow lifecycle API
type WorkflowHandler struct {
	svc *service.WorkflowService
	log *logger.Logger
}

// NewWorkflowHandler creates the handler
func NewWorkflowHandler(svc *service.WorkflowService, log *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{svc: svc, log: log}
}

// CreateRequest is the body of POST /workflows
type CreateRequest struct {
	Definition   *workflow.Definition `json:"definition"`
	WorkflowType string               `json:"workflow_type"`
	Input        map[string]any       `json:"input"`
	// AutoStart dispatches the first stage immediately after creation
	AutoStart bool `json:"auto_start"`
}

// CancelRequest is the body of POST /workflows/:id/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Create validates the inline definition and creates a workflow
func (h *WorkflowHandler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
	}
	if req.Definition == nil {
		return c.JSON(http.StatusBadRequest, errorBody("definition is required"))
	}

	ctx := c.Request().Context()
	workflowID, err := h.svc.CreateWorkflow(ctx, req.Definition, req.WorkflowType, req.Input)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	if req.AutoStart {
		if err := h.svc.StartWorkflow(ctx, workflowID); err != nil {
			return c.JSON(http.StatusConflict, errorBody(err.Error()))
		}
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"workflow_id": workflowID,
		"started":     req.AutoStart,
	})
}

// Start dispatches the initial stage of an initiated workflow
func (h *WorkflowHandler) Start(c echo.Context) error {
	if err := h.svc.StartWorkflow(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(statusFor(err), errorBody(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "running"})
}

// Cancel transitions a workflow to cancelled
func (h *WorkflowHandler) Cancel(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
	}
	if req.Reason == "" {
		req.Reason = "cancelled by caller"
	}

	if err := h.svc.CancelWorkflow(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return c.JSON(statusFor(err), errorBody(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// Get returns the persisted workflow record
func (h *WorkflowHandler) Get(c echo.Context) error {
	rec, err := h.svc.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err.Error()))
	}
	return c.JSON(http.StatusOK, rec)
}

// List returns workflows, newest first, optionally filtered by status
func (h *WorkflowHandler) List(c echo.Context) error {
	limit := 100
	records, err := h.svc.ListWorkflows(c.Request().Context(), c.QueryParam("status"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
	if records == nil {
		records = []*store.Record{}
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": records})
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}
