package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"orderjobs/internal/pkg/httpclient"
)

const (
	apiKeyHeader   = "X-API-Key"
	maxBodyExcerpt = 300
)

// Client is the remote fulfillment API.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
}

// APIError is a non-2xx answer from the fulfillment API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("fulfillment %s failed: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("fulfillment %s failed: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// HTTPClient talks to the fulfillment API over HTTP.
type HTTPClient struct {
	http   *httpclient.Client
	logger *zap.Logger
}

// NewHTTPClient builds a client for baseURL authenticated with apiKey.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := httpclient.New().
		WithBaseURL(strings.TrimRight(baseURL, "/")).
		WithTimeout(timeout).
		WithHeader(apiKeyHeader, apiKey)
	return &HTTPClient{http: hc, logger: logger}
}

// WithRetries overrides the transport retry policy.
func (c *HTTPClient) WithRetries(n int, wait time.Duration) *HTTPClient {
	c.http.WithRetries(n, wait)
	return c
}

func (c *HTTPClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResponse, error) {
	var out OrderResponse
	if err := c.http.PostJSON(ctx, "/orders/create", req, &out); err != nil {
		return nil, c.wrap("create order", err)
	}
	c.logger.Debug("Fulfillment order created",
		zap.String("order_id", out.OrderID),
		zap.String("post_id", req.PostID),
		zap.String("status", out.Status))
	return &out, nil
}

func (c *HTTPClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, errors.New("fulfillment: order id is required")
	}
	var out OrderStatus
	path := "/orders/" + url.PathEscape(orderID) + "/status"
	if err := c.http.GetJSON(ctx, path, &out); err != nil {
		return nil, c.wrap("get order status", err)
	}
	if out.OrderID == "" {
		out.OrderID = orderID
	}
	return &out, nil
}

func (c *HTTPClient) wrap(op string, err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		body := strings.TrimSpace(string(se.Body))
		if len(body) > maxBodyExcerpt {
			n := maxBodyExcerpt
			for n > 0 && !utf8.RuneStart(body[n]) {
				n--
			}
			body = body[:n]
		}
		body = strings.ToValidUTF8(body, "\uFFFD")
		return &APIError{Op: op, StatusCode: se.StatusCode, Body: body}
	}
	return fmt.Errorf("fulfillment %s: %w", op, err)
}
