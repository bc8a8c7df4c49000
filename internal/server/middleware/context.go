package middleware

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/corvid/backend/internal/metrics"
	"github.com/OFFIS-RIT/corvid/backend/internal/queue"
	"github.com/OFFIS-RIT/corvid/backend/pkg/config"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

type AppUser struct {
	UserID      string
	Role        string
	Permissions []string
}

// Artifacts lists run exports, hands out download links for them and removes
// them.
type Artifacts interface {
	ListRun(ctx context.Context, runID string) ([]string, error)
	DownloadLink(ctx context.Context, key string, ttl time.Duration) (string, error)
	DeleteRun(ctx context.Context, runID string) error
}

type App struct {
	Repo      store.Repository
	Config    *config.Analysis
	Queue     queue.Publisher
	Keyfunc   jwt.Keyfunc
	Artifacts Artifacts
	Metrics   *metrics.Metrics
	// Now is the clock used for default analysis times.
	Now func() time.Time

	MasterAPIKey   string
	MasterUserID   string
	MasterUserRole string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

// AppContextMiddleware wraps every request context with the shared app.
func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	if app.Now == nil {
		app.Now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{c, app, nil})
		}
	}
}
