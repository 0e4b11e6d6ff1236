package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	"github.com/gin-gonic/gin"
)

// ExportAuditLogs handles GET /api/v1/audit/export
func (s *Server) ExportAuditLogs(c *gin.Context) {
	startDateStr := strings.TrimSpace(c.Query("start_date"))
	endDateStr := strings.TrimSpace(c.Query("end_date"))
	formatStr := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "csv")))
	agencyIDStr := strings.TrimSpace(c.Query("agency_id"))
	eventTypesStr := strings.TrimSpace(c.Query("event_types"))

	if startDateStr == "" || endDateStr == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	startDate, err := time.Parse("2006-01-02", startDateStr)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	endDate, err := time.Parse("2006-01-02", endDateStr)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	// End date is exclusive (end of day).
	endDate = endDate.Add(24 * time.Hour)
	if endDate.Before(startDate) {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	// Exports are capped at 90 days.
	if endDate.Sub(startDate) > 90*24*time.Hour {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var format auditdomain.ExportFormat
	switch formatStr {
	case "csv":
		format = auditdomain.ExportFormatCSV
	case "json":
		format = auditdomain.ExportFormatJSON
	default:
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var agencyID *snowflake.ID
	if agencyIDStr != "" {
		id, err := snowflake.ParseString(agencyIDStr)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		agencyID = &id
	}

	var eventTypes []string
	if eventTypesStr != "" {
		eventTypes = strings.Split(eventTypesStr, ",")
		for i := range eventTypes {
			eventTypes[i] = strings.TrimSpace(eventTypes[i])
		}
	}

	result, err := s.auditExportSvc.Export(c.Request.Context(), auditdomain.ExportRequest{
		AgencyID:   agencyID,
		StartDate:  startDate,
		EndDate:    endDate,
		Format:     format,
		EventTypes: eventTypes,
	})
	if err != nil {
		AbortWithError(c, ErrInternal)
		return
	}

	c.Header("X-Audit-Export-Checksum", result.Checksum)
	c.Header("X-Audit-Export-Count", strconv.Itoa(result.Count))

	var contentType, filename string
	switch result.Format {
	case auditdomain.ExportFormatCSV:
		contentType = "text/csv"
		filename = "billing_events_" + startDateStr + "_" + endDateStr + ".csv"
	case auditdomain.ExportFormatJSON:
		contentType = "application/json"
		filename = "billing_events_" + startDateStr + "_" + endDateStr + ".json"
	}

	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Data(http.StatusOK, contentType, result.Data)
}
