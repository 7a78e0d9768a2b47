package orders

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const userHeader = "X-User-ID"

// OrderHandler exposes the order use case over gin.
type OrderHandler struct {
	useCase *OrderUseCase
	logger  *zap.Logger
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(useCase *OrderUseCase, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		useCase: useCase,
		logger:  logger,
	}
}

// RegisterRoutes mounts the /api/orders endpoints.
func (h *OrderHandler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/orders")
	api.POST("/checkout", h.Checkout)
	api.GET("/:id", h.GetOrder)
	api.POST("/:id/cancel", h.Cancel)
	api.POST("/:id/retry-payment", h.RetryPayment)

	r.POST("/api/payments/callback", h.PaymentCallback)
}

func (h *OrderHandler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": KindValidation})
		return
	}
	req.UserID = c.GetHeader(userHeader)
	if req.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + userHeader})
		return
	}

	result, err := h.useCase.Checkout(c.Request.Context(), req)
	if err != nil {
		var cerr *CheckoutError
		if !errors.As(err, &cerr) {
			h.fail(c, err)
			return
		}
		c.JSON(checkoutStatus(cerr.Kind), gin.H{
			"error": cerr.Err.Error(),
			"code":  cerr.Kind,
			"step":  cerr.Step,
		})
		return
	}

	trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("order_id", result.OrderID))
	c.JSON(http.StatusCreated, result)
}

func checkoutStatus(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientStock, KindConflict:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.useCase.GetOrder(c.Request.Context(), c.Param("id"), c.GetHeader(userHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	order, err := h.useCase.Cancel(c.Request.Context(), c.Param("id"), c.GetHeader(userHeader), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) RetryPayment(c *gin.Context) {
	session, err := h.useCase.RetryPayment(c.Request.Context(), c.Param("id"), c.GetHeader(userHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payment_url":            session.PaymentURL,
		"payment_transaction_id": session.TransactionID,
		"expires_at":             session.ExpiresAt,
	})
}

type paymentCallback struct {
	TransactionID  string    `json:"transaction_id"`
	OrderID        string    `json:"order_id" binding:"required"`
	Status         string    `json:"status" binding:"required,oneof=success failed"`
	Amount         int64     `json:"amount"`
	Gateway        string    `json:"gateway"`
	PaidAt         time.Time `json:"paid_at"`
	ErrorCode      string    `json:"error_code"`
	ErrorMessage   string    `json:"error_message"`
	ReservationIDs []string  `json:"reservation_ids"`
}

// PaymentCallback is the gateway's direct delivery of a payment outcome.
func (h *OrderHandler) PaymentCallback(c *gin.Context) {
	var req paymentCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	trace.SpanFromContext(c.Request.Context()).SetAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.String("payment_status", req.Status),
	)

	var (
		order *Order
		err   error
	)
	if req.Status == "success" {
		order, err = h.useCase.OnPaymentSuccess(c.Request.Context(), PaymentSuccess{
			TransactionID: req.TransactionID,
			OrderID:       req.OrderID,
			Amount:        req.Amount,
			Gateway:       req.Gateway,
			PaidAt:        req.PaidAt,
		})
	} else {
		order, err = h.useCase.OnPaymentFailure(c.Request.Context(), PaymentFailure{
			TransactionID:  req.TransactionID,
			OrderID:        req.OrderID,
			ErrorCode:      req.ErrorCode,
			ErrorMessage:   req.ErrorMessage,
			ReservationIDs: req.ReservationIDs,
		})
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id":       order.ID,
		"status":         order.Status,
		"payment_status": order.PaymentStatus,
	})
}

func (h *OrderHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrOrderNotPayable), errors.Is(err, ErrOrderNotCancellable), errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": KindConflict})
	case errors.Is(err, ErrUpstreamUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": KindUpstreamUnavailable})
	case errors.Is(err, ErrUpstreamRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("❌ Order request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
