package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/storage"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes under /escrow.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/escrow")
	g.GET("/transactions", h.ListTransactions)
	g.GET("/transactions/:id", h.GetTransaction)
	g.GET("/fees", h.GetFees)
	g.POST("/create", h.CreateTransaction)
	g.POST("/message", h.AddMessage)
	g.PUT("/status", h.UpdateStatus)
	g.PUT("/fees", h.UpdateFees)
}

// ListTransactions handles GET /escrow/transactions?userId=
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.service.ListTransactions(c.Request.Context(), c.Query("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetTransaction handles GET /escrow/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// CreateTransaction handles POST /escrow/create
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	tx, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// AddMessage handles POST /escrow/message
func (h *Handler) AddMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	msg, err := h.service.AddMessage(c.Request.Context(), req.TransactionID,
		Author{UserID: req.UserID, Username: req.Username}, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// UpdateStatus handles PUT /escrow/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if req.TransactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "transactionId is required",
			"code":  "validation_error",
		})
		return
	}

	tx, err := h.service.UpdateStatus(c.Request.Context(), req.TransactionID, req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// GetFees handles GET /escrow/fees
func (h *Handler) GetFees(c *gin.Context) {
	rates, err := h.service.FeeSettings(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rates)
}

// UpdateFees handles PUT /escrow/fees
func (h *Handler) UpdateFees(c *gin.Context) {
	var req UpdateFeesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	fs, err := h.service.UpdateFeeSettings(c.Request.Context(), req.Fees, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fs)
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
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, storage.ErrUnavailable):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "backend_unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "internal_error"})
	}
}
