package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sorryhyun/DiPeO-sub011/cmd/dipeo-server/container"
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
)

// ExecutionHandler handles execution-related requests
type ExecutionHandler struct {
	c *container.Container
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{c: c}
}

// RegisterExecutionRoutes registers all execution routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := NewExecutionHandler(c)

	executions := e.Group("/api/executions")
	{
		executions.POST("", h.StartExecution)       // POST /api/executions
		executions.GET("/:id", h.GetExecution)      // GET  /api/executions/{id}
		executions.GET("/:id/events", h.StreamEvents) // GET  /api/executions/{id}/events (SSE)
	}
}

type startExecutionRequest struct {
	Diagram         json.RawMessage `json:"diagram,omitempty"`
	DiagramName     string          `json:"diagram_name,omitempty"`
	Variables       map[string]any  `json:"variables,omitempty"`
	Debug           bool            `json:"debug,omitempty"`
	ContinueOnError bool            `json:"continue_on_error,omitempty"`
	AllowPartial    bool            `json:"allow_partial,omitempty"`
}

// StartExecution launches a run from an inline or stored diagram
// POST /api/executions
func (h *ExecutionHandler) StartExecution(c echo.Context) error {
	var req startExecutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}

	var (
		d   *diagram.Diagram
		err error
	)
	switch {
	case len(req.Diagram) > 0:
		d, err = diagram.Parse(req.Diagram)
	case req.DiagramName != "":
		d, err = h.c.LoadDiagram(c.Request().Context(), req.DiagramName)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "either diagram or diagram_name is required")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	execID := h.c.Execute(d, req.DiagramName, engine.RunOptions{
		Variables:       req.Variables,
		DebugMode:       req.Debug,
		ContinueOnError: req.ContinueOnError,
		AllowPartial:    req.AllowPartial,
	})

	return c.JSON(http.StatusAccepted, map[string]any{
		"execution_id": execID,
		"status":       "running",
	})
}

// GetExecution returns the state or final result of a run
// GET /api/executions/:id
func (h *ExecutionHandler) GetExecution(c echo.Context) error {
	id := c.Param("id")

	result, running, err := h.c.Lookup(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if running {
		return c.JSON(http.StatusOK, map[string]any{
			"execution_id": id,
			"status":       "running",
		})
	}
	return c.JSON(http.StatusOK, result)
}

// StreamEvents streams a run's events as server-sent events
// GET /api/executions/:id/events
func (h *ExecutionHandler) StreamEvents(c echo.Context) error {
	id := c.Param("id")

	events, cancel := h.c.Hub.Subscribe(id)
	defer cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event.Type, payload)
			resp.Flush()
		}
	}
}
