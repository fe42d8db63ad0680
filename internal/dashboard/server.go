// Package dashboard serves the HTTP API: sourcing session create/read/
// extend/cancel, the agent config admin surface and a server-sent event
// stream of session status changes.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/sourcing"
	"gorm.io/gorm"
)

// SessionService is the subset of sourcing.Manager the API drives.
type SessionService interface {
	CreateSession(ctx context.Context, req sourcing.CreateRequest) (*models.SourcingSession, error)
	Get(ctx context.Context, id string) (*models.SourcingSession, error)
	ExtendDeadline(ctx context.Context, id string) (*models.SourcingSession, error)
	CancelSession(ctx context.Context, id string) (*models.SourcingSession, error)
	SelectQuote(ctx context.Context, id string, quoteID uint) (*models.SourcingSession, error)
}

// AgentConfigService is the subset of agentconfig.Service the admin routes use.
type AgentConfigService interface {
	Get(ctx context.Context, agentType string) (models.AgentConfig, error)
	List(ctx context.Context) ([]models.AgentConfig, error)
	Update(ctx context.Context, c models.AgentConfig) (models.AgentConfig, error)
}

// SessionRunner runs sessions created through the API.
type SessionRunner interface {
	Start(sessionID string)
	Cancel(sessionID string) bool
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	DB       *gorm.DB
	Sessions SessionService
	Agents   AgentConfigService
	Runner   SessionRunner // optional; sessions are only persisted without it
	Port     int
	Out      io.Writer

	// PollInterval is how often the event stream checks for session
	// changes. Defaults to 3s.
	PollInterval time.Duration
}

func (o *StartOpts) validate() error {
	if o.DB == nil {
		return fmt.Errorf("dashboard: db is required")
	}
	if o.Sessions == nil {
		return fmt.Errorf("dashboard: session service is required")
	}
	if o.Agents == nil {
		return fmt.Errorf("dashboard: agent config service is required")
	}
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	return nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if err := opts.validate(); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with every route registered.
func newRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
