package collect

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kbs-analytics/collector/internal/schema"
	"go.uber.org/zap"
)

// SessionCookie carries the session identifier between beacons.
const SessionCookie = "kbs_sid"

type HandlerConfig struct {
	ValidatePayloads bool
	SessionTTL       time.Duration
	CookieSecure     bool
}

// Handler exposes the collect pipeline over HTTP. Validation fully
// precedes the service call: no session state is touched until both the
// envelope and, when enabled, the payload schema pass.
type Handler struct {
	service  *Service
	registry *schema.Registry
	cfg      HandlerConfig
	logger   *zap.Logger
}

func NewHandler(service *Service, registry *schema.Registry, cfg HandlerConfig, logger *zap.Logger) *Handler {
	return &Handler{
		service:  service,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Register mounts the collector routes.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/collect", h.Collect)
	r.GET("/healthz", h.Health)
}

func (h *Handler) Collect(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.logger.Warn("failed to read request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "failed to read request body"})
		return
	}

	if err := h.registry.ValidateEnvelope(body); err != nil {
		h.respondValidation(c, err)
		return
	}

	var req CollectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondValidation(c, &schema.ValidationError{
			Message: "Schema validation error",
			Errors:  []string{"request body does not match the expected envelope"},
		})
		return
	}

	if h.cfg.ValidatePayloads && req.Event.Type != EventTypePageview {
		if err := h.registry.ValidatePayload(req.Event.Type, req.Event.Payload); err != nil {
			h.respondValidation(c, err)
			return
		}
	}

	sessionID, _ := c.Cookie(SessionCookie)

	result, err := h.service.Collect(c.Request.Context(), &req, RequestMeta{
		SessionID: sessionID,
		UserAgent: c.Request.UserAgent(),
		IP:        c.ClientIP(),
	})
	if err != nil {
		h.logger.Error("collect failed",
			zap.String("tracker_id", req.TrackerID),
			zap.String("event_type", req.Event.Type),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "internal server error"})
		return
	}

	if result.SessionID != sessionID {
		c.SetCookie(SessionCookie, result.SessionID, int(h.cfg.SessionTTL.Seconds()), "/", "", h.cfg.CookieSecure, true)
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "event_id": result.EventID})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) respondValidation(c *gin.Context, err error) {
	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "internal server error"})
		return
	}

	resp := gin.H{"status": "error", "message": ve.Message}
	if len(ve.Errors) > 0 {
		resp["errors"] = ve.Errors
	}
	c.JSON(http.StatusUnprocessableEntity, resp)
}
