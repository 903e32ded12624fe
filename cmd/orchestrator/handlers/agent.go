package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/common/cache"
	"github.com/lyzr/conductor/common/dispatch"
)

const (
	agentListKey = "agents:list"
	agentListTTL = 2 * time.Second
)

// AgentHandler serves the registry read API
type AgentHandler struct {
	disp  *dispatch.Dispatcher
	cache cache.Cache
}

// NewAgentHandler creates the handler. The cache absorbs dashboard
// polling so each burst costs one registry scan.
func NewAgentHandler(disp *dispatch.Dispatcher, cache cache.Cache) *AgentHandler {
	return &AgentHandler{disp: disp, cache: cache}
}

// List returns the currently registered agents. Registry read failures
// surface as an empty list.
func (h *AgentHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	if body, ok, err := h.cache.Get(ctx, agentListKey); err == nil && ok {
		return c.JSONBlob(http.StatusOK, body)
	}

	agents := h.disp.RegisteredAgents(ctx)
	body, err := json.Marshal(map[string]any{"agents": agents})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to encode agents"})
	}
	_ = h.cache.Set(ctx, agentListKey, body, agentListTTL)

	return c.JSONBlob(http.StatusOK, body)
}
