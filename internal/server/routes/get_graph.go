package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/corvid/backend/pkg/export"
)

// GetGraphHandler exports the link graph of the window ending at "at" in the
// requested format (json, yaml or graphml; json by default).
func GetGraphHandler(c echo.Context) error {
	format := c.QueryParam("format")
	if format == "" {
		format = "json"
	}
	if _, err := export.ForFormat(format); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error(), "formats": export.Formats()})
	}

	out, err := snapshot(c)
	if err != nil {
		return internalError(c, err)
	}
	doc := export.FromGraph(out.Graph, export.PriorityDecorator(out.Analytics))
	data, contentType, err := export.Render(&doc, format)
	if err != nil {
		return internalError(c, err)
	}
	return c.Blob(http.StatusOK, contentType, data)
}
