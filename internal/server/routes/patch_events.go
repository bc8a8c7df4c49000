package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/dedupe"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

// MarkFalsePositiveHandler tags an event as a false positive after review.
// The record is kept.
func MarkFalsePositiveHandler(c echo.Context) error {
	eventID := c.Param("id")
	ctx := c.Request().Context()
	repo := appOf(c).Repo

	events, err := repo.FetchEvents(ctx, common.TimeRange{}, store.EventFilter{IDs: []string{eventID}}, store.Page{Limit: 1})
	if err != nil {
		return internalError(c, err)
	}
	if len(events) == 0 {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Event not found"})
	}
	if events[0].Status == common.EventStatusFalsePositive {
		return c.JSON(http.StatusOK, events[0])
	}

	ev, err := dedupe.MarkFalsePositive(ctx, repo, events[0])
	if errors.Is(err, dedupe.ErrAbsorbed) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Event was merged into " + events[0].DuplicateOf})
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, ev)
}
