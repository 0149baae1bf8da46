package controllers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "bulk-order-service/errors"
	"bulk-order-service/middleware"
	"bulk-order-service/models"
	"bulk-order-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	OperationIDHeader = "X-Operation-ID"
	maxNotesLength    = 1000
)

// BulkOrderAPI is the service surface the controller depends on.
type BulkOrderAPI interface {
	Admit(ctx context.Context, user *models.UserContext, clientIP string) (*services.Admission, error)
	Submit(ctx context.Context, adm *services.Admission, req *models.BulkOrderRequest) (*services.Submission, uuid.UUID, error)
	Execute(ctx context.Context, id uuid.UUID, sub *services.Submission, stream *services.ProgressStream) models.BulkResult
	Rollback(ctx context.Context, id uuid.UUID, user *models.UserContext, reason, clientIP string) (models.BulkResult, error)
	GetOperation(ctx context.Context, id uuid.UUID, user *models.UserContext) (*models.Operation, error)
	RollbackEligibility(ctx context.Context, id uuid.UUID, user *models.UserContext) (models.RollbackEligibility, error)
	ListOperations(ctx context.Context, user *models.UserContext, page, limit int) (*services.OperationListResponse, error)
}

// RollbackRequest is the body of POST /bulk-orders/:id/rollback.
type RollbackRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

// BulkOrderController handles HTTP requests for bulk orders.
type BulkOrderController struct {
	service        BulkOrderAPI
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewBulkOrderController(service BulkOrderAPI, maxUploadBytes int64, logger *zap.Logger) *BulkOrderController {
	return &BulkOrderController{service: service, maxUploadBytes: maxUploadBytes, logger: logger}
}

func respondError(c *gin.Context, err error) {
	appErr := apperrors.From(err)
	switch appErr.Kind {
	case apperrors.KindRateLimited:
		if v, ok := appErr.Details["retry_after_seconds"]; ok {
			c.Header("Retry-After", fmt.Sprint(v))
		}
	case apperrors.KindRollbackIneligible:
		c.AbortWithStatusJSON(appErr.Status, gin.H{
			"code":     appErr.Code,
			"message":  appErr.Message,
			"reason":   appErr.Details["reason"],
			"deadline": appErr.Details["deadline"],
		})
		return
	}
	apperrors.Respond(c, appErr)
}

func parseOperationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.Validation(apperrors.CodeInvalidRequest, "Invalid operation id"))
		return uuid.Nil, false
	}
	return id, true
}

// Upload handles POST /bulk-orders/upload. The caller is admitted before the body is read.
// Once validation passes the response is a stream of NDJSON progress lines; the run continues
// even if the caller disconnects.
func (h *BulkOrderController) Upload(c *gin.Context) {
	adm, err := h.service.Admit(c.Request.Context(), middleware.GetUser(c), c.ClientIP())
	if err != nil {
		c.Header("Connection", "close")
		respondError(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+(1<<20))

	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, apperrors.Validation(apperrors.CodeInvalidRequest, "A batch file is required in the 'file' field"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, apperrors.Internal("Failed to open uploaded file", err))
		return
	}
	defer f.Close()

	// One byte past the limit is enough for the scanner to reject the size.
	content, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		respondError(c, apperrors.Internal("Failed to read uploaded file", err))
		return
	}
	sum := sha256.Sum256(content)

	notes := strings.TrimSpace(c.PostForm("notes"))
	if len(notes) > maxNotesLength {
		notes = notes[:maxNotesLength]
	}

	req := &models.BulkOrderRequest{
		Content:     content,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		ContentHash: hex.EncodeToString(sum[:]),
		ClientIP:    c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Notes:       notes,
		SubmittedAt: time.Now().UTC(),
	}
	sub, id, err := h.service.Submit(c.Request.Context(), adm, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header(OperationIDHeader, id.String())
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	stream := services.NewProgressStream(len(sub.Rows))
	go h.service.Execute(context.WithoutCancel(c.Request.Context()), id, sub, stream)

	enc := json.NewEncoder(c.Writer)
	stream.Run(c.Request.Context(), func(msg models.StreamMessage) error {
		if err := enc.Encode(msg); err != nil {
			h.logger.Info("progress stream closed by client", zap.String("operation_id", id.String()), zap.Error(err))
			return err
		}
		c.Writer.Flush()
		return nil
	})
}

// Rollback handles POST /bulk-orders/:id/rollback
func (h *BulkOrderController) Rollback(c *gin.Context) {
	id, ok := parseOperationID(c)
	if !ok {
		return
	}
	var body RollbackRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Reason) == "" {
		respondError(c, apperrors.Validation(apperrors.CodeRollbackReasonNeeded,
			fmt.Sprintf("A non-empty reason of at most %d characters is required", services.MaxRollbackReasonLength)))
		return
	}

	result, err := h.service.Rollback(c.Request.Context(), id, middleware.GetUser(c), body.Reason, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetOperation handles GET /bulk-orders/:id
func (h *BulkOrderController) GetOperation(c *gin.Context) {
	id, ok := parseOperationID(c)
	if !ok {
		return
	}
	op, err := h.service.GetOperation(c.Request.Context(), id, middleware.GetUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation": op})
}

// RollbackEligibility handles GET /bulk-orders/:id/rollback-eligibility
func (h *BulkOrderController) RollbackEligibility(c *gin.Context) {
	id, ok := parseOperationID(c)
	if !ok {
		return
	}
	e, err := h.service.RollbackEligibility(c.Request.Context(), id, middleware.GetUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// ListOperations handles GET /bulk-orders
func (h *BulkOrderController) ListOperations(c *gin.Context) {
	page, limit := parsePaginationParams(c)
	resp, err := h.service.ListOperations(c.Request.Context(), middleware.GetUser(c), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// parsePaginationParams extracts and validates page/limit query params.
func parsePaginationParams(c *gin.Context) (int, int) {
	const maxLimit = 100
	page, limit := 1, 20
	if p, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil && l > 0 {
		limit = l
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}
