package server

import (
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	fallbackdomain "github.com/cobranzalabs/cobranza/internal/fallback/domain"
	"github.com/gin-gonic/gin"
)

type createIntentRequest struct {
	ChargeID string `json:"charge_id" binding:"required"`
	Provider string `json:"provider"`
	Source   string `json:"source"`
}

// CreateFallbackIntent handles POST /api/v1/fallback-intents
func (s *Server) CreateFallbackIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	chargeID, err := snowflake.ParseString(req.ChargeID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	source := req.Source
	if source == "" {
		source = "MANUAL"
	}
	result, err := s.fallbackSvc.CreateForCharge(c.Request.Context(), fallbackdomain.CreateRequest{
		ChargeID:  chargeID,
		Provider:  req.Provider,
		Source:    source,
		CreatedBy: actorFrom(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

// GetFallbackIntent handles GET /api/v1/fallback-intents/:id
func (s *Server) GetFallbackIntent(c *gin.Context) {
	intentID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	intent, err := s.fallbackSvc.GetIntent(c.Request.Context(), intentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, intent)
}

// CancelFallbackIntent handles POST /api/v1/fallback-intents/:id/cancel
func (s *Server) CancelFallbackIntent(c *gin.Context) {
	intentID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	intent, err := s.fallbackSvc.Cancel(c.Request.Context(), intentID, actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, intent)
}

type markPaidRequest struct {
	PaidAt string `json:"paid_at"`
}

// MarkFallbackIntentPaid handles POST /api/v1/fallback-intents/:id/mark-paid
func (s *Server) MarkFallbackIntentPaid(c *gin.Context) {
	intentID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	var req markPaidRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var paidAt *time.Time
	if req.PaidAt != "" {
		ts, err := time.Parse(time.RFC3339, req.PaidAt)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		paidAt = &ts
	}

	intent, err := s.fallbackSvc.MarkPaid(c.Request.Context(), intentID, paidAt, actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, intent)
}

// SyncFallbackIntents handles POST /api/v1/fallback-intents/sync
func (s *Server) SyncFallbackIntents(c *gin.Context) {
	result, err := s.fallbackSvc.SyncStatuses(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

// SweepFallbackIntents handles POST /api/v1/fallback-intents/sweep
func (s *Server) SweepFallbackIntents(c *gin.Context) {
	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}
	result, err := s.fallbackSvc.SweepEligibleCharges(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}
