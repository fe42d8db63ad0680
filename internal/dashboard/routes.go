package dashboard

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ikanisa/easymo/internal/agentconfig"
	"github.com/ikanisa/easymo/internal/offer"
	"github.com/ikanisa/easymo/internal/sourcing"
	"gorm.io/gorm"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts.DB))

	api := router.Group("/api")
	api.POST("/sourcing-sessions", handleCreateSession(opts.Sessions, opts.Runner))
	api.GET("/sourcing-sessions/:id", handleGetSession(opts.Sessions))
	api.POST("/sourcing-sessions/:id/extend", handleExtendSession(opts.Sessions))
	api.POST("/sourcing-sessions/:id/cancel", handleCancelSession(opts.Sessions, opts.Runner))
	api.POST("/sourcing-sessions/:id/select", handleSelectQuote(opts.Sessions))

	api.GET("/agent-configs", handleListAgentConfigs(opts.Agents))
	api.GET("/agent-configs/:agentType", handleGetAgentConfig(opts.Agents))
	api.PUT("/agent-configs/:agentType", handleUpdateAgentConfig(opts.Agents))

	api.GET("/events", handleSSE(opts.DB, opts.PollInterval))
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sourcing.ErrAgentDisabled),
		errors.Is(err, sourcing.ErrExtensionBudgetExhausted),
		errors.Is(err, sourcing.ErrSessionTerminal),
		errors.Is(err, sourcing.ErrInvalidSelection):
		return http.StatusConflict
	case errors.Is(err, sourcing.ErrUnknownAgent),
		errors.Is(err, sourcing.ErrNotFound),
		errors.Is(err, agentconfig.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sourcing.ErrInvalidCriteria),
		errors.Is(err, agentconfig.ErrOutOfRange):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("dashboard: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// createSessionRequest is the body of POST /api/sourcing-sessions. A
// top-level location fills in criteria.location when that is unset.
type createSessionRequest struct {
	AgentType string          `json:"agentType" binding:"required"`
	FlowType  string          `json:"flowType"`
	UserID    string          `json:"userId"`
	Criteria  offer.Criteria  `json:"criteria"`
	Location  *offer.Location `json:"location"`
}

func handleCreateSession(sessions SessionService, runner SessionRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Criteria.Location == nil {
			req.Criteria.Location = req.Location
		}
		s, err := sessions.CreateSession(c.Request.Context(), sourcing.CreateRequest{
			AgentType: req.AgentType,
			FlowType:  req.FlowType,
			UserID:    req.UserID,
			Criteria:  req.Criteria,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		if runner != nil {
			runner.Start(s.ID)
		}
		c.JSON(http.StatusCreated, gin.H{
			"sessionId":  s.ID,
			"status":     s.Status,
			"deadlineAt": s.DeadlineAt,
		})
	}
}

func handleGetSession(sessions SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newSessionView(s))
	}
}

func handleExtendSession(sessions SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := sessions.ExtendDeadline(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newSessionView(s))
	}
}

func handleCancelSession(sessions SessionService, runner SessionRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if runner != nil {
			runner.Cancel(id)
		}
		if _, err := sessions.CancelSession(c.Request.Context(), id); err != nil {
			abortWithError(c, err)
			return
		}
		s, err := sessions.Get(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newSessionView(s))
	}
}

type selectQuoteRequest struct {
	QuoteID uint `json:"quoteId" binding:"required"`
}

func handleSelectQuote(sessions SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req selectQuoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := sessions.SelectQuote(c.Request.Context(), c.Param("id"), req.QuoteID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newSessionView(s))
	}
}

func handleListAgentConfigs(agents AgentConfigService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := agents.List(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		views := make([]agentConfigView, len(rows))
		for i, r := range rows {
			views[i] = newAgentConfigView(r)
		}
		c.JSON(http.StatusOK, views)
	}
}

func handleGetAgentConfig(agents AgentConfigService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := agents.Get(c.Request.Context(), c.Param("agentType"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newAgentConfigView(cfg))
	}
}

// handleUpdateAgentConfig applies the body on top of the stored config, so
// fields left out keep their current values. Unknown agent types start from
// zero values and must supply every bounded field.
func handleUpdateAgentConfig(agents AgentConfigService) gin.HandlerFunc {
	return func(c *gin.Context) {
		agentType := c.Param("agentType")
		current, err := agents.Get(c.Request.Context(), agentType)
		if err != nil && !errors.Is(err, agentconfig.ErrNotFound) {
			abortWithError(c, err)
			return
		}
		view := newAgentConfigView(current)
		if err := c.ShouldBindJSON(&view); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg := view.model()
		cfg.AgentType = agentType

		updated, err := agents.Update(c.Request.Context(), cfg)
		if err != nil {
			abortWithError(c, err)
			return
		}
		log.Printf("dashboard: agent config %s updated (enabled=%t scope=%s)",
			agentType, updated.Enabled, updated.FeatureFlagScope)
		c.JSON(http.StatusOK, newAgentConfigView(updated))
	}
}
