package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	batchdomain "github.com/cobranzalabs/cobranza/internal/batch/domain"
	batchservice "github.com/cobranzalabs/cobranza/internal/batch/service"
	"github.com/cobranzalabs/cobranza/internal/storage"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type prepareBatchRequest struct {
	BusinessDate string `json:"business_date" binding:"required"`
	DryRun       bool   `json:"dry_run"`
	Force        bool   `json:"force"`
	CutoffHour   *int   `json:"cutoff_hour"`
}

// PrepareBatch handles POST /api/v1/presentments/prepare
func (s *Server) PrepareBatch(c *gin.Context) {
	var req prepareBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	businessDate, err := time.Parse("2006-01-02", req.BusinessDate)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if req.CutoffHour != nil && (*req.CutoffHour < -1 || *req.CutoffHour > 23) {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.preparer.Prepare(c.Request.Context(), batchservice.PrepareRequest{
		BusinessDate: businessDate,
		DryRun:       req.DryRun,
		Force:        req.Force,
		CutoffHour:   req.CutoffHour,
		CreatedBy:    actorFrom(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

// CreateBatch handles POST /api/v1/presentments: prepare and export in one
// call, for operators who do not need to inspect the prepared batch first.
func (s *Server) CreateBatch(c *gin.Context) {
	var req prepareBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	businessDate, err := time.Parse("2006-01-02", req.BusinessDate)
	if err != nil || req.DryRun {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if req.CutoffHour != nil && (*req.CutoffHour < -1 || *req.CutoffHour > 23) {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	prepared, err := s.preparer.Prepare(c.Request.Context(), batchservice.PrepareRequest{
		BusinessDate: businessDate,
		Force:        req.Force,
		CutoffHour:   req.CutoffHour,
		CreatedBy:    actorFrom(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if prepared.NoOp || prepared.BatchID == nil {
		respondData(c, gin.H{"prepare": prepared})
		return
	}

	exported, err := s.exporter.Export(c.Request.Context(), *prepared.BatchID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{"prepare": prepared, "export": exported})
}

// ExportBatch handles POST /api/v1/presentments/:id/export
func (s *Server) ExportBatch(c *gin.Context) {
	batchID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	result, err := s.exporter.Export(c.Request.Context(), batchID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

// ExportPending handles POST /api/v1/presentments/export-pending
func (s *Server) ExportPending(c *gin.Context) {
	result, err := s.exporter.ExportPending(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

const maxResponseFileSize = 32 << 20 // 32 MiB

// ImportResponses handles POST /api/v1/presentments/:id/responses.
// The body is the raw response file; multipart "file" is also accepted.
func (s *Server) ImportResponses(c *gin.Context) {
	batchID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	data, err := readUploadedFile(c)
	if err != nil || len(data) == 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.importer.Import(c.Request.Context(), batchID, data, actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

func readUploadedFile(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, err
		}
		if fh.Size > maxResponseFileSize {
			return nil, ErrInvalidRequest
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxResponseFileSize))
	}
	return io.ReadAll(io.LimitReader(c.Request.Body, maxResponseFileSize))
}

// ListBatches handles GET /api/v1/presentments
func (s *Server) ListBatches(c *gin.Context) {
	query := s.db.WithContext(c.Request.Context()).Model(&batchdomain.FileBatch{})

	if direction := strings.ToUpper(strings.TrimSpace(c.Query("direction"))); direction != "" {
		query = query.Where("direction = ?", direction)
	}
	if status := strings.ToUpper(strings.TrimSpace(c.Query("status"))); status != "" {
		query = query.Where("status = ?", status)
	}
	if dateStr := strings.TrimSpace(c.Query("business_date")); dateStr != "" {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		query = query.Where("business_date = ?", date)
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 500 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	var batches []batchdomain.FileBatch
	if err := query.Order("created_at DESC").Limit(limit).Find(&batches).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, batches)
}

// GetBatch handles GET /api/v1/presentments/:id
func (s *Server) GetBatch(c *gin.Context) {
	batchID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var batch batchdomain.FileBatch
	err = s.db.WithContext(c.Request.Context()).First(&batch, "id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		AbortWithError(c, batchdomain.ErrBatchNotFound)
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var items []batchdomain.FileBatchItem
	if err := s.db.WithContext(c.Request.Context()).
		Where("batch_id = ?", batch.ID).
		Order("line_no ASC").
		Find(&items).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{"batch": batch, "items": items})
}

// DownloadBatchFile handles GET /api/v1/presentments/:id/file
func (s *Server) DownloadBatchFile(c *gin.Context) {
	batchID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var batch batchdomain.FileBatch
	err = s.db.WithContext(c.Request.Context()).First(&batch, "id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		AbortWithError(c, batchdomain.ErrBatchNotFound)
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if batch.StorageKey == nil {
		AbortWithError(c, storage.ErrNotFound)
		return
	}

	data, err := s.store.Read(c.Request.Context(), *batch.StorageKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	fileName := "batch-" + batch.ID.String()
	if batch.FileName != nil {
		fileName = *batch.FileName
	}
	if batch.FileHash != nil {
		c.Header("X-Batch-File-Checksum", *batch.FileHash)
	}
	c.Header("Content-Disposition", "attachment; filename=\""+fileName+"\"")
	c.Data(http.StatusOK, storage.ContentTypeFor(fileName), data)
}

func actorFrom(c *gin.Context) string {
	if actor := strings.TrimSpace(c.GetHeader("X-Actor")); actor != "" {
		return actor
	}
	return "api"
}
