package middleware

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

func HasPermission(user *AppUser, permission string) bool {
	if user == nil {
		return false
	}
	return slices.Contains(user.Permissions, permission)
}

func IsAdmin(user *AppUser) bool {
	return user != nil && user.Role == "admin"
}

// RequirePermission rejects requests whose user lacks any of the listed
// permissions.
func RequirePermission(permissions ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			if user == nil {
				return unauthorized(c)
			}
			for _, p := range permissions {
				if !HasPermission(user, p) {
					return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden: missing permission " + p})
				}
			}
			return next(c)
		}
	}
}

// RequireAdmin rejects requests from users without the admin role.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			if user == nil {
				return unauthorized(c)
			}
			if !IsAdmin(user) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden: admin only"})
			}
			return next(c)
		}
	}
}
