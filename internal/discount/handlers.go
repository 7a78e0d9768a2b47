package discount

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type DiscountHandler struct {
	useCase *DiscountUseCase
	logger  *zap.Logger
}

func NewDiscountHandler(useCase *DiscountUseCase, logger *zap.Logger) *DiscountHandler {
	return &DiscountHandler{useCase: useCase, logger: logger}
}

func (h *DiscountHandler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/discounts")
	api.POST("", h.CreateDiscount)
	api.GET("/:code", h.GetDiscount)
	api.POST("/validate", h.Validate)
	api.POST("/apply", h.Apply)
	api.POST("/rollback", h.Rollback)
}

func (h *DiscountHandler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.useCase.ValidateDiscount(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *DiscountHandler) Apply(c *gin.Context) {
	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.useCase.ApplyDiscount(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *DiscountHandler) Rollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rolledBack, err := h.useCase.RollbackUsage(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "rolled_back": rolledBack})
}

func (h *DiscountHandler) CreateDiscount(c *gin.Context) {
	var d Discount
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.useCase.CreateDiscount(c.Request.Context(), &d); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *DiscountHandler) GetDiscount(c *gin.Context) {
	d, err := h.useCase.GetDiscount(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *DiscountHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrDiscountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("❌ Discount request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
