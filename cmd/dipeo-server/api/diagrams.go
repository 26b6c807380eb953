package api

import (
	"encoding/json"
	"net/http"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/labstack/echo/v4"

	"github.com/sorryhyun/DiPeO-sub011/cmd/dipeo-server/container"
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
)

// DiagramHandler handles stored diagram requests. Without a database
// the store is read-only: diagrams come from the diagram directory and
// mutations are rejected.
type DiagramHandler struct {
	c *container.Container
}

// NewDiagramHandler creates a new diagram handler
func NewDiagramHandler(c *container.Container) *DiagramHandler {
	return &DiagramHandler{c: c}
}

// RegisterDiagramRoutes registers all diagram routes
func RegisterDiagramRoutes(e *echo.Echo, c *container.Container) {
	h := NewDiagramHandler(c)

	diagrams := e.Group("/api/diagrams")
	{
		diagrams.GET("", h.ListDiagrams)          // GET    /api/diagrams
		diagrams.GET("/:name", h.GetDiagram)      // GET    /api/diagrams/{name}
		diagrams.POST("/:name", h.SaveDiagram)    // POST   /api/diagrams/{name}
		diagrams.PATCH("/:name", h.PatchDiagram)  // PATCH  /api/diagrams/{name}
		diagrams.DELETE("/:name", h.DeleteDiagram) // DELETE /api/diagrams/{name}
	}
}

// ListDiagrams lists stored diagrams
// GET /api/diagrams
func (h *DiagramHandler) ListDiagrams(c echo.Context) error {
	if h.c.Diagrams == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "diagram listing requires a database")
	}
	records, err := h.c.Diagrams.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"diagrams": records})
}

// GetDiagram returns a stored diagram document
// GET /api/diagrams/:name
func (h *DiagramHandler) GetDiagram(c echo.Context) error {
	name := c.Param("name")

	if h.c.Diagrams != nil {
		rec, err := h.c.Diagrams.GetByName(c.Request().Context(), name)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return c.JSONBlob(http.StatusOK, rec.Content)
	}

	data, err := h.c.Files.ReadDiagram(name)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSONBlob(http.StatusOK, data)
}

// SaveDiagram validates and stores a diagram document
// POST /api/diagrams/:name
func (h *DiagramHandler) SaveDiagram(c echo.Context) error {
	if h.c.Diagrams == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "diagram storage requires a database")
	}
	name := c.Param("name")

	var content json.RawMessage
	if err := c.Bind(&content); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := diagram.Parse(content); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if err := h.c.Diagrams.Save(c.Request().Context(), name, content); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"name": name, "status": "saved"})
}

// PatchDiagram applies an RFC 6902 patch to a stored diagram. The
// patched document must still parse as a diagram before it is kept.
// PATCH /api/diagrams/:name
func (h *DiagramHandler) PatchDiagram(c echo.Context) error {
	if h.c.Diagrams == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "diagram patching requires a database")
	}
	name := c.Param("name")

	var patch json.RawMessage
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := jsonpatch.DecodePatch(patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	patched, err := h.c.Diagrams.Patch(c.Request().Context(), name, patch, func(doc json.RawMessage) error {
		_, err := diagram.Parse(doc)
		return err
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSONBlob(http.StatusOK, patched)
}

// DeleteDiagram removes a stored diagram
// DELETE /api/diagrams/:name
func (h *DiagramHandler) DeleteDiagram(c echo.Context) error {
	if h.c.Diagrams == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "diagram deletion requires a database")
	}
	if err := h.c.Diagrams.Delete(c.Request().Context(), c.Param("name")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
