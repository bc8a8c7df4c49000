package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/corvid/backend/pkg/analytics"
	"github.com/OFFIS-RIT/corvid/backend/pkg/export"
)

// GetPrioritiesHandler returns the tiered priority list. "tier" limits the
// list to one tier.
func GetPrioritiesHandler(c echo.Context) error {
	type response struct {
		Seeds       []string               `json:"seeds"`
		Communities int                    `json:"communities"`
		Fallbacks   int                    `json:"fallbacks"`
		Priorities  []export.PriorityEntry `json:"priorities"`
	}

	tier := analytics.Tier(c.QueryParam("tier"))
	switch tier {
	case "", analytics.Tier1, analytics.Tier2, analytics.Tier3, analytics.TierLow:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unknown tier"})
	}

	out, err := snapshot(c)
	if err != nil {
		return internalError(c, err)
	}
	list := make([]export.PriorityEntry, 0, len(out.Analytics.Priorities))
	for _, p := range export.Priorities(out.Analytics) {
		if tier == "" || p.Tier == tier {
			list = append(list, p)
		}
	}
	return c.JSON(http.StatusOK, response{
		Seeds:       out.Analytics.Seeds,
		Communities: len(out.Analytics.Partition.Communities),
		Fallbacks:   out.Analytics.Fallbacks,
		Priorities:  list,
	})
}
