package upload

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nomoretears/backend/internal/middleware"
	"github.com/nomoretears/backend/pkg/apperr"
	"github.com/nomoretears/backend/pkg/response"
)

// HandlerConfig holds per-route limits.
type HandlerConfig struct {
	MaxDirectUpload     int64         // bytes; 0 disables the cap
	DirectUploadTimeout time.Duration // read/write deadline of one direct upload; 0 keeps the server's
	ExposeDetail        bool          // persistence error detail in responses (non-production only)
}

// Handler handles the /upload and /lectures HTTP endpoints.
type Handler struct {
	svc    *Service
	cfg    HandlerConfig
	logger *zap.Logger
}

// NewHandler creates an upload handler.
func NewHandler(svc *Service, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, cfg: cfg, logger: logger}
}

// RegisterRoutes mounts the handler. webhookAuth guards the AI service callback.
func (h *Handler) RegisterRoutes(r gin.IRouter, webhookAuth gin.HandlerFunc) {
	up := r.Group("/upload")
	up.POST("/presigned-url", h.PresignedURL)
	up.POST("/complete", h.Complete)
	up.POST("/direct", h.Direct)
	up.POST("/segmentation-complete", webhookAuth, h.SegmentationComplete)
	up.GET("/stream/*videoKey", h.Stream)
	r.GET("/lectures/:lectureId/indexing", h.IndexingStatus)
}

// PresignedURL handles POST /upload/presigned-url.
func (h *Handler) PresignedURL(c *gin.Context) {
	var req UploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	out, err := h.svc.IssueUploadURL(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "issue upload url failed", err)
		return
	}
	response.OK(c, out)
}

// Complete handles POST /upload/complete.
func (h *Handler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	out, err := h.svc.CompleteUpload(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "complete upload failed", err)
		return
	}
	response.OKMessage(c, out.Message, out)
}

// Direct handles POST /upload/direct. The raw request body is the video; streaming it may take far
// longer than the server-wide timeouts, so this route sets its own deadlines.
func (h *Handler) Direct(c *gin.Context) {
	if limit := h.cfg.MaxDirectUpload; limit > 0 {
		if c.Request.ContentLength > limit {
			response.TooLarge(c, "video exceeds the direct upload limit")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	if h.cfg.DirectUploadTimeout > 0 {
		deadline := time.Now().Add(h.cfg.DirectUploadTimeout)
		rc := http.NewResponseController(c.Writer)
		if err := rc.SetReadDeadline(deadline); err != nil {
			h.logger.Warn("extend direct upload read deadline failed", zap.Error(err))
		}
		if err := rc.SetWriteDeadline(deadline); err != nil {
			h.logger.Warn("extend direct upload write deadline failed", zap.Error(err))
		}
	}
	out, err := h.svc.DirectUpload(c.Request.Context(), DirectUploadRequest{
		UserID:      c.GetHeader("x-user-id"),
		LectureID:   c.GetHeader("x-lecture-id"),
		Filename:    c.GetHeader("x-filename"),
		ContentType: c.ContentType(),
		Body:        c.Request.Body,
		Size:        c.Request.ContentLength,
	})
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.TooLarge(c, "video exceeds the direct upload limit")
			return
		}
		h.fail(c, "direct upload failed", err)
		return
	}
	response.OK(c, out)
}

// Stream handles GET /upload/stream/*videoKey.
func (h *Handler) Stream(c *gin.Context) {
	out, err := h.svc.IssueStreamURL(c.Request.Context(), strings.TrimPrefix(c.Param("videoKey"), "/"))
	if err != nil {
		h.fail(c, "issue stream url failed", err)
		return
	}
	response.OK(c, out)
}

// SegmentationComplete handles POST /upload/segmentation-complete from the AI service.
func (h *Handler) SegmentationComplete(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if scoped := c.GetString(middleware.ContextCallbackLectureID); scoped != "" && scoped != strings.TrimSpace(req.LectureID) {
		h.fail(c, "segmentation webhook rejected", apperr.Permission("token is not valid for lecture %q", req.LectureID))
		return
	}
	req.ScopedTaskID = c.GetString(middleware.ContextCallbackTaskID)
	out, err := h.svc.SegmentationWebhook(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "segmentation webhook failed", err)
		return
	}
	h.logger.Info("segmentation webhook processed", zap.String("lecture_id", req.LectureID),
		zap.Int("segments", len(out.Segments)), zap.Bool("stale", out.Stale))
	response.OKMessage(c, "Segments saved", out)
}

// IndexingStatus handles GET /lectures/:lectureId/indexing.
func (h *Handler) IndexingStatus(c *gin.Context) {
	task, err := h.svc.IndexingStatus(c.Request.Context(), c.Param("lectureId"))
	if err != nil {
		h.fail(c, "indexing status failed", err)
		return
	}
	response.OK(c, task)
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindPermission, apperr.KindUnauthorized:
		h.logger.Debug(msg, zap.Error(err))
	default:
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Error(c, err, h.cfg.ExposeDetail)
}
