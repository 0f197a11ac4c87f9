// Package server assembles the HTTP server around the chat pipeline.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/gaplens/gaplens/internal/profile"
	"github.com/gaplens/gaplens/plugin/ai"
	"github.com/gaplens/gaplens/plugin/ai/dedup"
	"github.com/gaplens/gaplens/plugin/ai/guard"
	"github.com/gaplens/gaplens/server/finops"
	"github.com/gaplens/gaplens/server/middleware"
	apiv1 "github.com/gaplens/gaplens/server/router/api/v1"
	"github.com/gaplens/gaplens/server/service/chat"
	"github.com/gaplens/gaplens/store"
)

// Server is the assembled HTTP server.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	pipeline   *chat.Pipeline
}

// NewServer builds the pipeline from the profile and mounts the API routes.
func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	if !profile.IsAIEnabled() {
		return nil, errors.New("no generation backend configured, set GAPLENS_AI_API_KEY")
	}

	client := ai.NewClient(&ai.Config{
		BaseURL:     profile.AIBaseURL,
		APIKey:      profile.AIAPIKey,
		Model:       profile.AIModel,
		Timeout:     profile.AITimeout,
		IdleTimeout: profile.AIStreamIdleTimeout,
	})

	pipeline := chat.NewPipeline(chat.PipelineConfig{
		Store:   store,
		Client:  client,
		Limiter: chat.NewRateLimiter(chat.DefaultTierLimits(profile.FreeBurstLimit, profile.FreeDailyLimit)),
		Costs:   finops.NewEstimator(profile.AIModel),
		Input:   guard.NewInputGuard(profile.MaxMessageLength),
		Builder: chat.NewContextBuilder(nil, profile.ContextMaxTokens),
		DedupCache: dedup.NewCache(dedup.Config{
			Threshold:  profile.DedupThreshold,
			WindowSize: profile.DedupWindowSize,
			TTL:        profile.DedupTTL,
		}),
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.NewThrottle(0, 0).Middleware())

	apiv1.NewAPIV1Service(profile, store, pipeline).Register(e)

	s := &Server{
		Profile:    profile,
		Store:      store,
		echoServer: e,
		pipeline:   pipeline,
	}

	// Check the schema before serving traffic.
	if err := store.Migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return s, nil
}

// Start begins serving. It blocks until the listener fails or Shutdown runs.
func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	slog.Info("server started", "address", address, "mode", s.Profile.Mode, "version", s.Profile.Version)
	return s.echoServer.Start(address)
}

// Shutdown drains the server: stop accepting requests, flush in-flight
// analytics writers, then close the store.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down server", "error", err)
	}

	s.pipeline.Flush()

	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}

	slog.Info("server stopped")
}
