package routes

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/corvid/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/pipeline"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

func appOf(c echo.Context) *middleware.App {
	return c.(*middleware.AppContext).App
}

// analysisTime reads the optional "at" query parameter.
func analysisTime(c echo.Context) (time.Time, error) {
	raw := c.QueryParam("at")
	if raw == "" {
		return appOf(c).Now().UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func snapshot(c echo.Context) (*pipeline.Output, error) {
	at, err := analysisTime(c)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "at must be an RFC3339 timestamp")
	}
	app := appOf(c)
	runner, err := pipeline.NewRunner(app.Repo, app.Config, nil)
	if err != nil {
		return nil, err
	}
	return runner.Snapshot(c.Request().Context(), at)
}

// internalError logs err and hides it from the client. Malformed input maps
// to 400 and missing records to 404.
func internalError(c echo.Context, err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return c.JSON(he.Code, map[string]any{"error": he.Message})
	case errors.Is(err, common.ErrMalformedInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
	}
	logger.Error("[Server] Request failed", "path", c.Path(), "err", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}
