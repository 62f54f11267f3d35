// Package server exposes the session core's boundary operations as a JSON
// API for the voice transport, the scheduler, and the administrative layer.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gympulse/voicekiosk/internal/cost"
	"github.com/gympulse/voicekiosk/internal/events"
	"github.com/gympulse/voicekiosk/internal/gateway"
	"github.com/gympulse/voicekiosk/internal/session"
	"github.com/gympulse/voicekiosk/internal/transport"
)

// Opts holds configuration for the API server.
type Opts struct {
	Sessions   *session.Manager
	Events     *events.Store
	Gateway    *gateway.Gateway
	Cost       *cost.Engine
	AdminToken string
	Port       int
	Logger     *slog.Logger
	Out        io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	if opts.Sessions == nil || opts.Events == nil || opts.Gateway == nil || opts.Cost == nil {
		return fmt.Errorf("server: sessions, events, gateway, and cost are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	h := &handlers{
		sessions:   opts.Sessions,
		store:      opts.Events,
		gateway:    opts.Gateway,
		cost:       opts.Cost,
		adminToken: opts.AdminToken,
		log:        opts.Logger,
	}
	h.register(router)

	ws := transport.NewHandler(opts.Sessions, opts.Gateway, opts.Cost, opts.Logger)
	router.GET("/ws/session/:id", ws.Serve)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
