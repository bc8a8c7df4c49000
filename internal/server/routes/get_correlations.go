package routes

import (
	"cmp"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

// GetEventCorrelationsHandler returns the stored correlations of one event,
// strongest first.
func GetEventCorrelationsHandler(c echo.Context) error {
	type query struct {
		MinConfidence float64  `query:"min_confidence" validate:"gte=0,lte=1"`
		Types         []string `query:"type" validate:"dive,oneof=temporal content spatial social"`
	}
	type response struct {
		EventID      string                     `json:"event_id"`
		Correlations []common.CorrelationRecord `json:"correlations"`
	}

	eventID := c.Param("id")
	if eventID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing event id"})
	}
	q := new(query)
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, q); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid query"})
	}
	if err := c.Validate(q); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid query"})
	}

	filter := store.CorrelationFilter{Entity: common.EventRef(eventID), MinConfidence: q.MinConfidence}
	for _, t := range q.Types {
		filter.Types = append(filter.Types, common.CorrelationType(t))
	}
	recs, err := appOf(c).Repo.FetchCorrelations(c.Request().Context(), filter)
	if err != nil {
		return internalError(c, err)
	}
	slices.SortStableFunc(recs, func(a, b common.CorrelationRecord) int {
		if r := cmp.Compare(b.Strength, a.Strength); r != 0 {
			return r
		}
		return cmp.Compare(a.Key().String(), b.Key().String())
	})
	if recs == nil {
		recs = []common.CorrelationRecord{}
	}
	return c.JSON(http.StatusOK, response{EventID: eventID, Correlations: recs})
}
