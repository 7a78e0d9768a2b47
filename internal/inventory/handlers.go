package inventory

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InventoryHandler exposes the Reservation Engine over HTTP.
type InventoryHandler struct {
	useCase *InventoryUseCase
	logger  *zap.Logger
}

func NewInventoryHandler(useCase *InventoryUseCase, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{
		useCase: useCase,
		logger:  logger,
	}
}

func (h *InventoryHandler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/inventory")
	api.POST("/availability", h.CheckAvailability)
	api.POST("/reservations", h.Reserve)
	api.GET("/reservations", h.ListReservations)
	api.POST("/reservations/commit", h.Commit)
	api.POST("/reservations/release", h.Release)
	api.POST("/reservations/return", h.ReturnStock)
	api.POST("/sweep", h.ExpireSweep)
	api.POST("/items", h.ImportStock)
	api.GET("/items/:id", h.GetItem)
	api.POST("/items/:id/adjust", h.AdjustStock)
	api.GET("/items/:id/transactions", h.ListTransactions)
}

type availabilityRequest struct {
	Items []Line `json:"items" binding:"required,min=1,dive"`
}

type reserveRequest struct {
	OrderID     string `json:"order_id" binding:"required"`
	OrderNumber string `json:"order_number"`
	Items       []Line `json:"items" binding:"required,min=1,dive"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

type orderRequest struct {
	OrderID string `json:"order_id" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *InventoryHandler) CheckAvailability(c *gin.Context) {
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.useCase.CheckAvailability(c.Request.Context(), req.Items)
	if err != nil {
		h.fail(c, err)
		return
	}

	allInStock := true
	for _, a := range result {
		allInStock = allInStock && a.InStock
	}
	c.JSON(http.StatusOK, gin.H{"in_stock": allInStock, "items": result})
}

func (h *InventoryHandler) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("order_id", req.OrderID))

	result, err := h.useCase.Reserve(c.Request.Context(), ReserveRequest{
		OrderID:     req.OrderID,
		OrderNumber: req.OrderNumber,
		Items:       req.Items,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"reservation_ids": result.ReservationIDs(),
		"reservations":    result.Reservations,
		"expires_at":      result.ExpiresAt,
	})
}

func (h *InventoryHandler) Commit(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.useCase.Commit(c.Request.Context(), req.OrderID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"committed":         len(result.Committed),
		"already_committed": result.AlreadyCommitted,
		"stock_secured":     result.StockSecured(),
	})
}

func (h *InventoryHandler) Release(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual_release"
	}

	released, err := h.useCase.Release(c.Request.Context(), req.OrderID, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func (h *InventoryHandler) ReturnStock(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	quantity, err := h.useCase.ReturnStock(c.Request.Context(), req.OrderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"returned": quantity})
}

func (h *InventoryHandler) ListReservations(c *gin.Context) {
	orderID := c.Query("order_id")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id is required"})
		return
	}

	reservations, err := h.useCase.ListReservations(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservations": reservations})
}

func (h *InventoryHandler) ExpireSweep(c *gin.Context) {
	count, err := h.useCase.ExpireSweep(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": count})
}

func (h *InventoryHandler) ImportStock(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.useCase.ImportStock(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *InventoryHandler) GetItem(c *gin.Context) {
	item, err := h.useCase.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item":         item,
		"available":    item.Available(),
		"is_low_stock": item.IsLowStock(),
	})
}

func (h *InventoryHandler) AdjustStock(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.useCase.AdjustStock(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *InventoryHandler) ListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	txs, err := h.useCase.ListTransactions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *InventoryHandler) fail(c *gin.Context, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusConflict, gin.H{
			"error":      err.Error(),
			"code":       "insufficient_stock",
			"product_id": insufficient.ProductID,
			"variant_id": insufficient.VariantID,
		})
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation"})
	case errors.Is(err, ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("❌ Inventory request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
