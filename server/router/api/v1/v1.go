// Package v1 exposes the conversational analysis API over HTTP.
package v1

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/gaplens/gaplens/internal/profile"
	"github.com/gaplens/gaplens/server/service/chat"
	"github.com/gaplens/gaplens/store"
)

// Context keys set by the user middleware.
const (
	ctxKeyUserID   = "user-id"
	ctxKeyUserTier = "user-tier"
)

// Headers carrying the authenticated caller identity. Authentication itself
// happens upstream; this service trusts the gateway-injected headers.
const (
	headerUserID   = "X-User-Id"
	headerUserTier = "X-User-Tier"
)

// APIV1Service wires the chat pipeline into the HTTP surface.
type APIV1Service struct {
	Profile  *profile.Profile
	Store    *store.Store
	Pipeline *chat.Pipeline
}

// NewAPIV1Service creates the v1 API service.
func NewAPIV1Service(profile *profile.Profile, store *store.Store, pipeline *chat.Pipeline) *APIV1Service {
	return &APIV1Service{
		Profile:  profile,
		Store:    store,
		Pipeline: pipeline,
	}
}

// Register mounts the v1 routes on the echo server.
func (s *APIV1Service) Register(echoServer *echo.Echo) {
	g := echoServer.Group("/api/v1", s.userContextMiddleware)

	g.POST("/analyses/:analysisId/conversation", s.StartConversation)
	g.GET("/conversations/:uid", s.GetConversation)
	g.GET("/conversations/:uid/messages", s.GetHistory)
	g.POST("/conversations/:uid/messages", s.SendMessage)
	g.DELETE("/conversations/:uid/messages", s.ClearConversation)
	g.POST("/conversations/:uid/messages/:messageUid/rating", s.RateMessage)
	g.POST("/conversations/:uid/messages/:messageUid/report", s.ReportMessage)
	g.GET("/conversations/:uid/suggestions", s.ListSuggestions)
	g.POST("/conversations/:uid/suggestions/refresh", s.RefreshSuggestions)
	g.POST("/conversations/:uid/suggestions/:suggestionId/use", s.UseSuggestion)
	g.GET("/conversations/:uid/variants", s.ListVariants)
	g.POST("/conversations/:uid/variants", s.CreateVariant)
	g.GET("/conversations/:uid/variants/comparison", s.CompareVariants)
	g.GET("/conversations/:uid/stats", s.GetStats)
	g.GET("/quota", s.GetQuota)
	g.GET("/usage", s.GetUsage)
	g.GET("/metrics/chat", s.GetChatMetrics)
}

// userContextMiddleware resolves the caller from the gateway headers and
// stores the identity on the request context.
func (s *APIV1Service) userContextMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		rawID := c.Request().Header.Get(headerUserID)
		if rawID == "" {
			return c.JSON(http.StatusUnauthorized, errorBody{
				Code:    "UNAUTHORIZED",
				Message: "missing caller identity",
			})
		}
		userID, err := strconv.ParseInt(rawID, 10, 32)
		if err != nil || userID <= 0 {
			slog.Warn("malformed user header", "value", rawID)
			return c.JSON(http.StatusUnauthorized, errorBody{
				Code:    "UNAUTHORIZED",
				Message: "malformed caller identity",
			})
		}

		tier := chat.Tier(c.Request().Header.Get(headerUserTier))
		if tier == "" {
			tier = chat.TierFree
		}

		c.Set(ctxKeyUserID, int32(userID))
		c.Set(ctxKeyUserTier, tier)
		return next(c)
	}
}

func userIDFromContext(c echo.Context) int32 {
	if v, ok := c.Get(ctxKeyUserID).(int32); ok {
		return v
	}
	return 0
}

func tierFromContext(c echo.Context) chat.Tier {
	if v, ok := c.Get(ctxKeyUserTier).(chat.Tier); ok {
		return v
	}
	return chat.TierFree
}
