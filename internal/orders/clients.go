package orders

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type apiError struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// httpClient is the shared resty plumbing of the collaborator clients. Every
// failure leaves it as ErrUpstreamUnavailable or ErrUpstreamRejected.
type httpClient struct {
	name   string
	client *resty.Client
}

func newHTTPClient(name, baseURL string, timeout time.Duration) httpClient {
	return httpClient{
		name: name,
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c httpClient) request(ctx context.Context) *resty.Request {
	req := c.client.R().SetContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req
}

func (c httpClient) post(ctx context.Context, path string, body, result any) error {
	var apiErr apiError
	resp, err := c.request(ctx).
		SetBody(body).
		SetResult(result).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, c.name, err)
	}

	switch status := resp.StatusCode(); {
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s returned %d", ErrUpstreamUnavailable, c.name, status)
	case status == http.StatusConflict && apiErr.Code == "insufficient_stock":
		return fmt.Errorf("%w: %s", ErrStockUnavailable, apiErr.Error)
	case status >= http.StatusBadRequest:
		msg := apiErr.Error
		if msg == "" {
			msg = apiErr.Message
		}
		return fmt.Errorf("%w: %s returned %d: %s", ErrUpstreamRejected, c.name, status, msg)
	}
	return nil
}

// InventoryHTTPClient is the InventoryClient of the inventory service REST API.
type InventoryHTTPClient struct {
	http httpClient
}

func NewInventoryClient(baseURL string, timeout time.Duration) *InventoryHTTPClient {
	return &InventoryHTTPClient{http: newHTTPClient("inventory", baseURL, timeout)}
}

func (c *InventoryHTTPClient) CheckAvailability(ctx context.Context, lines []StockLine) ([]StockAvailability, error) {
	var out struct {
		Items []StockAvailability `json:"items"`
	}
	if err := c.http.post(ctx, "/api/inventory/availability", map[string]any{"items": lines}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *InventoryHTTPClient) Reserve(ctx context.Context, req ReserveStockRequest) (*ReserveStockResult, error) {
	body := map[string]any{
		"order_id":     req.OrderID,
		"order_number": req.OrderNumber,
		"items":        req.Items,
		"ttl_seconds":  int(req.TTL.Seconds()),
	}
	var out ReserveStockResult
	if err := c.http.post(ctx, "/api/inventory/reservations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *InventoryHTTPClient) Commit(ctx context.Context, orderID string) (*CommitStockResult, error) {
	var out CommitStockResult
	if err := c.http.post(ctx, "/api/inventory/reservations/commit", map[string]string{"order_id": orderID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *InventoryHTTPClient) Release(ctx context.Context, orderID, reason string) error {
	body := map[string]string{"order_id": orderID, "reason": reason}
	return c.http.post(ctx, "/api/inventory/reservations/release", body, &map[string]any{})
}

// DiscountHTTPClient is the DiscountClient of the discount service REST API.
type DiscountHTTPClient struct {
	http httpClient
}

func NewDiscountClient(baseURL string, timeout time.Duration) *DiscountHTTPClient {
	return &DiscountHTTPClient{http: newHTTPClient("discount", baseURL, timeout)}
}

func (c *DiscountHTTPClient) Validate(ctx context.Context, code, userID string, orderAmount int64, lines []DiscountLine) (*DiscountValidation, error) {
	body := map[string]any{
		"code":         code,
		"user_id":      userID,
		"order_amount": orderAmount,
		"items":        lines,
	}
	var out DiscountValidation
	if err := c.http.post(ctx, "/api/discounts/validate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Apply reports a refused discount as Success=false, not as an error.
func (c *DiscountHTTPClient) Apply(ctx context.Context, req DiscountApplyRequest) (*DiscountApplication, error) {
	var out DiscountApplication
	var apiErr DiscountApplication
	resp, err := c.http.request(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/discounts/apply")
	if err != nil {
		return nil, fmt.Errorf("%w: discount: %v", ErrUpstreamUnavailable, err)
	}
	switch status := resp.StatusCode(); {
	case status == http.StatusUnprocessableEntity:
		return &apiErr, nil
	case status >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: discount returned %d", ErrUpstreamUnavailable, status)
	case status >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: discount returned %d", ErrUpstreamRejected, status)
	}
	return &out, nil
}

func (c *DiscountHTTPClient) Rollback(ctx context.Context, orderID, discountID, reason string) error {
	body := map[string]string{"order_id": orderID, "discount_id": discountID, "reason": reason}
	return c.http.post(ctx, "/api/discounts/rollback", body, &map[string]any{})
}

// PaymentHTTPClient is the PaymentClient of the payment gateway adapter.
type PaymentHTTPClient struct {
	http httpClient
}

func NewPaymentClient(baseURL string, timeout time.Duration) *PaymentHTTPClient {
	return &PaymentHTTPClient{http: newHTTPClient("payment", baseURL, timeout)}
}

func (c *PaymentHTTPClient) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error) {
	var out PaymentSession
	if err := c.http.post(ctx, "/api/payments", req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: payment session not created", ErrUpstreamRejected)
	}
	return &out, nil
}
