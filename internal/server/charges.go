package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	chargeservice "github.com/cobranzalabs/cobranza/internal/charge/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type closeChargeRequest struct {
	Channel   string `json:"channel" binding:"required"`
	AmountARS int64  `json:"amount_ars" binding:"required"`
	PaidAt    string `json:"paid_at"`
	SourceRef string `json:"source_ref" binding:"required"`
}

// CloseCharge handles POST /api/v1/charges/:id/close. Manual settlement
// entrypoint; bank and fallback settlements arrive through their own flows.
func (s *Server) CloseCharge(c *gin.Context) {
	chargeID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	var req closeChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AmountARS <= 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	channel, ok := parseChannel(req.Channel)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var paidAt time.Time
	if req.PaidAt != "" {
		paidAt, err = time.Parse(time.RFC3339, req.PaidAt)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	result, err := s.closer.CloseAsPaid(c.Request.Context(), chargeservice.CloseRequest{
		ChargeID:  chargeID,
		Channel:   channel,
		AmountARS: req.AmountARS,
		PaidAt:    paidAt,
		SourceRef: req.SourceRef,
		CreatedBy: actorFrom(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// A second settlement through a different channel is flagged for
	// manual review; the response still reports the first payment.
	if result.AlreadyPaid && result.Channel != channel {
		if _, err := s.closer.OpenDuplicateCase(c.Request.Context(), chargeID, channel, req.SourceRef, req.AmountARS); err != nil {
			s.log.Error("duplicate payment case failed", zap.Error(err))
		}
	}
	respondData(c, result)
}

type advanceDunningRequest struct {
	TargetStage int `json:"target_stage" binding:"required"`
}

// AdvanceDunning handles POST /api/v1/charges/:id/dunning/advance
func (s *Server) AdvanceDunning(c *gin.Context) {
	chargeID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	var req advanceDunningRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TargetStage < 1 || req.TargetStage > 4 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.advancer.AdvanceStage(c.Request.Context(), chargeID, req.TargetStage, actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

func parseChannel(raw string) (chargedomain.Channel, bool) {
	switch chargedomain.Channel(strings.ToUpper(strings.TrimSpace(raw))) {
	case chargedomain.ChannelPD:
		return chargedomain.ChannelPD, true
	case chargedomain.ChannelMPQR:
		return chargedomain.ChannelMPQR, true
	case chargedomain.ChannelCIGQR:
		return chargedomain.ChannelCIGQR, true
	case chargedomain.ChannelManual:
		return chargedomain.ChannelManual, true
	}
	return "", false
}
