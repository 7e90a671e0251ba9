package feerouting

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/storage"
)

// Handler provides HTTP endpoints for fee routing.
type Handler struct {
	service *Service
}

// NewHandler creates a new fee routing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up fee routing routes under /fee-routing.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/fee-routing")
	g.POST("/route-fee", h.RouteFee)
	g.GET("/status", h.GetStatus)
	g.GET("/transaction-status", h.GetTransactionStatus)
	g.GET("/vendor-summary", h.GetVendorSummary)
	g.GET("/config", h.GetConfig)
	g.PUT("/config", h.UpdateConfig)
}

// RouteFee handles POST /fee-routing/route-fee
func (h *Handler) RouteFee(c *gin.Context) {
	var req RouteFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	result, err := h.service.RouteFee(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetStatus handles GET /fee-routing/status
func (h *Handler) GetStatus(c *gin.Context) {
	report, err := h.service.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetTransactionStatus handles GET /fee-routing/transaction-status?transactionId=
func (h *Handler) GetTransactionStatus(c *gin.Context) {
	ft, err := h.service.TransactionStatus(c.Request.Context(), c.Query("transactionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": ft})
}

// GetVendorSummary handles GET /fee-routing/vendor-summary?vendorId=
func (h *Handler) GetVendorSummary(c *gin.Context) {
	summary, err := h.service.VendorSummary(c.Request.Context(), c.Query("vendorId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetConfig handles GET /fee-routing/config
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Config())
}

// UpdateConfig handles PUT /fee-routing/config
func (h *Handler) UpdateConfig(c *gin.Context) {
	var patch ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		invalidBody(c)
		return
	}

	cfg, err := h.service.UpdateConfig(c.Request.Context(), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": "invalid request body",
		"code":  "validation_error",
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_error"})
	case errors.Is(err, ErrFeeTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, storage.ErrUnavailable):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "backend_unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "internal_error"})
	}
}
