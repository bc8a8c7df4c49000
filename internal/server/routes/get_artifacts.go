package routes

import (
	"net/http"
	"path"
	"time"

	"github.com/labstack/echo/v4"
)

const downloadLinkTTL = 15 * time.Minute

// GetRunArtifactsHandler lists the exports stored for a run.
func GetRunArtifactsHandler(c echo.Context) error {
	app := appOf(c)
	if app.Artifacts == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Artifact storage is not configured"})
	}
	runID := c.Param("id")
	keys, err := app.Artifacts.ListRun(c.Request().Context(), runID)
	if err != nil {
		return internalError(c, err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, path.Base(k))
	}
	return c.JSON(http.StatusOK, map[string]any{"run_id": runID, "artifacts": names})
}

// GetRunArtifactHandler redirects to a short-lived download link.
func GetRunArtifactHandler(c echo.Context) error {
	app := appOf(c)
	if app.Artifacts == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Artifact storage is not configured"})
	}
	key := path.Join("runs", c.Param("id"), path.Base(c.Param("name")))
	link, err := app.Artifacts.DownloadLink(c.Request().Context(), key, downloadLinkTTL)
	if err != nil {
		return internalError(c, err)
	}
	return c.Redirect(http.StatusTemporaryRedirect, link)
}

// DeleteRunArtifactsHandler removes every stored export of a run.
func DeleteRunArtifactsHandler(c echo.Context) error {
	app := appOf(c)
	if app.Artifacts == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Artifact storage is not configured"})
	}
	if err := app.Artifacts.DeleteRun(c.Request().Context(), c.Param("id")); err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
