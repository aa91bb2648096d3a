package middleware

import (
	"errors"
	"strings"

	"ragops-api/internal/ctx"
	"ragops-api/internal/shared"

	"github.com/labstack/echo/v4"
)

// Auth modes. In none mode the caller self-identifies via X-User-ID and gets
// the default role; in api_key mode a bearer token must be one of the
// configured keys and the identity derives from the key prefix.
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "api_key"
)

type AuthConfig struct {
	Mode        string
	APIKeys     []string
	DefaultRole string
}

type UserMiddleware struct {
	cfg  AuthConfig
	keys map[string]bool
}

func NewUserMiddleware(cfg AuthConfig) (*UserMiddleware, error) {
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "user"
	}
	switch cfg.Mode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if len(cfg.APIKeys) == 0 {
			return nil, errors.New("api_key auth mode requires at least one configured key")
		}
	default:
		return nil, errors.New("unknown auth mode: " + cfg.Mode)
	}

	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = true
		}
	}
	return &UserMiddleware{cfg: cfg, keys: keys}, nil
}

// ExtractIdentity resolves the caller identity and attaches it to the request
// context. It never rejects; RequireRole does the gating.
func (u *UserMiddleware) ExtractIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		c.Identity = nil

		switch u.cfg.Mode {
		case AuthModeNone:
			uid := c.Request().Header.Get("X-User-ID")
			if uid == "" {
				uid = "anon"
			}
			c.Identity = &shared.Identity{UserID: uid, Role: u.cfg.DefaultRole}
		case AuthModeAPIKey:
			apiKey, err := shared.ExtractAPIKey(c)
			if err != nil || !u.keys[apiKey] {
				return next(c)
			}
			uid := apiKey
			if len(uid) > 6 {
				uid = uid[:6]
			}
			c.Identity = &shared.Identity{UserID: uid, Role: u.cfg.DefaultRole}
		}

		if c.Identity != nil {
			c.Log = c.Log.With("user_id", c.Identity.UserID)
			c.LogValues.UserID = c.Identity.UserID
			c.LogValues.Role = c.Identity.Role
		}
		return next(c)
	}
}

// RequireRole gates a route on a resolved identity with the given role.
// Admin satisfies any role requirement.
func (u *UserMiddleware) RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(cc echo.Context) error {
			c := cc.(*ctx.Context)
			if c.Identity == nil {
				return c.String(401, "unauthorized")
			}
			if c.Identity.Role != role && c.Identity.Role != "admin" {
				return c.String(403, "forbidden")
			}
			return next(c)
		}
	}
}
