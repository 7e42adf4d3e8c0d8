package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cart-sync/internal/models"
	"cart-sync/internal/stream"
	"cart-sync/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultRequestTimeout bounds every remote cart call
const DefaultRequestTimeout = 15 * time.Second

// AuthProvider is the authentication collaborator as seen by the cart
type AuthProvider interface {
	IsAuthenticated() bool
	Token() string
	// Reload re-reads the credential from the storage shared with other instances
	Reload(ctx context.Context) error
}

// CartClientConfig configures the remote cart API client
type CartClientConfig struct {
	BaseURL          string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	Transport        http.RoundTripper
}

type rawResponse struct {
	status int
	body   []byte
}

// CartClient is the single owner of the server cart snapshot
type CartClient struct {
	baseURL  string
	timeout  time.Duration
	http     *http.Client
	auth     AuthProvider
	sessions *SessionManager
	breaker  *gobreaker.CircuitBreaker[rawResponse]
	validate *validator.Validate
	flight   singleflight.Group
	logger   *zap.Logger

	mu      sync.Mutex
	issued  uint64
	applied uint64
	cart    *stream.Subject[*models.Cart]
	count   *stream.Subject[int]
}

// NewCartClient creates a new cart client
func NewCartClient(cfg CartClientConfig, auth AuthProvider, sessions *SessionManager) *CartClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	logger := util.ComponentLogger("cart-client")
	threshold := uint32(cfg.BreakerThreshold)

	breaker := gobreaker.NewCircuitBreaker[rawResponse](gobreaker.Settings{
		Name:    "cart-api",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var netErr *NetworkError
			if errors.As(err, &netErr) {
				return !netErr.Retryable()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &CartClient{
		baseURL:  cfg.BaseURL,
		timeout:  cfg.Timeout,
		http:     &http.Client{Transport: otelhttp.NewTransport(transport)},
		auth:     auth,
		sessions: sessions,
		breaker:  breaker,
		validate: validator.New(),
		logger:   logger,
		cart:     stream.NewSubject[*models.Cart](nil),
		count:    stream.NewSubject(0),
	}
}

// GetCart fetches the current cart. Concurrent callers share one request, which is
// bounded by the client timeout rather than by whichever caller started it.
func (c *CartClient) GetCart(ctx context.Context) (*models.Cart, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan("cart", func() (interface{}, error) {
		return c.mutate(shared, "get_cart", http.MethodGet, "/cart", nil, false)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Cart), nil
	}
}

// AddItem adds a product line to the server cart
func (c *CartClient) AddItem(ctx context.Context, req *models.AddItemRequest) (*models.Cart, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid add item request: %w", err)
	}
	return c.mutate(ctx, "add_item", http.MethodPost, "/cart/add-item", req, true)
}

// UpdateItemQuantity sets the quantity of a server cart line
func (c *CartClient) UpdateItemQuantity(ctx context.Context, itemID int64, quantity int) (*models.Cart, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	path := "/cart/items/" + strconv.FormatInt(itemID, 10) + "/quantity"
	return c.mutate(ctx, "update_quantity", http.MethodPut, path, &models.UpdateQuantityRequest{Quantity: quantity}, true)
}

// RemoveItem deletes a server cart line
func (c *CartClient) RemoveItem(ctx context.Context, itemID int64) (*models.Cart, error) {
	return c.mutate(ctx, "remove_item", http.MethodDelete, "/cart/items/"+strconv.FormatInt(itemID, 10), nil, true)
}

// Clear empties the server cart
func (c *CartClient) Clear(ctx context.Context) (*models.Cart, error) {
	return c.mutate(ctx, "clear", http.MethodPost, "/cart/clear", nil, true)
}

// ApplyDiscount applies a discount code
func (c *CartClient) ApplyDiscount(ctx context.Context, code string) (*models.Cart, error) {
	if code == "" {
		return nil, errors.New("discount code is required")
	}
	return c.mutate(ctx, "apply_discount", http.MethodPost, "/cart/apply-discount", &models.ApplyDiscountRequest{Code: code}, true)
}

// MergeSessionCart folds the guest session cart into the user's cart and forgets
// the session id, so a repeated call never resends it.
func (c *CartClient) MergeSessionCart(ctx context.Context) (*models.Cart, error) {
	sessionID, err := c.sessions.SessionID(ctx)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, ErrNoSessionCart
	}

	cart, err := c.mutate(ctx, "merge_session", http.MethodPost, "/cart/merge-session", &models.MergeSessionRequest{SessionID: sessionID}, false)
	if err != nil {
		util.CartMergesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	util.CartMergesTotal.WithLabelValues("merged").Inc()

	if err := c.sessions.ClearSessionID(ctx); err != nil {
		c.logger.Error("Failed to clear session id after merge",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	return cart, nil
}

// GetStats reads the server's cart statistics; the snapshot is untouched
func (c *CartClient) GetStats(ctx context.Context) (*models.CartStats, error) {
	var stats *models.CartStats
	err := c.call(ctx, "get_stats", http.MethodGet, "/cart/stats", nil, false, &stats)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, &NetworkError{Op: "get_stats", Message: "empty stats payload"}
	}
	return stats, nil
}

// HasSessionCart reports whether a guest session id is held locally
func (c *CartClient) HasSessionCart(ctx context.Context) bool {
	id, err := c.sessions.SessionID(ctx)
	if err != nil {
		c.logger.Warn("Failed to read session id", zap.Error(err))
		return false
	}
	return id != ""
}

// GetCartStatus summarises local cart state without any network call
func (c *CartClient) GetCartStatus(ctx context.Context) models.CartStatus {
	id, err := c.sessions.SessionID(ctx)
	if err != nil {
		c.logger.Warn("Failed to read session id", zap.Error(err))
	}
	return models.CartStatus{
		HasSessionCart: id != "",
		SessionID:      id,
		CurrentCart:    c.cart.Value(),
		ItemsCount:     c.count.Value(),
	}
}

// Snapshot returns the last applied server cart, or nil
func (c *CartClient) Snapshot() *models.Cart {
	return c.cart.Value()
}

// ItemCount returns the summed quantity of the snapshot
func (c *CartClient) ItemCount() int {
	return c.count.Value()
}

// Carts exposes the replay-latest cart stream
func (c *CartClient) Carts() *stream.Subject[*models.Cart] {
	return c.cart
}

// Counts exposes the replay-latest item count stream
func (c *CartClient) Counts() *stream.Subject[int] {
	return c.count
}

// Reset drops the snapshot. Responses to requests issued before the reset are discarded.
func (c *CartClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	c.applied = c.issued
	c.cart.Publish(nil)
	c.count.Publish(0)
}

// Close ends the cart streams
func (c *CartClient) Close() {
	c.cart.Close()
	c.count.Close()
}

func (c *CartClient) begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	return c.issued
}

// apply publishes cart unless a newer response or a reset has been applied since seq was issued
func (c *CartClient) apply(op string, seq uint64, cart *models.Cart) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.applied {
		util.CartStaleResponsesTotal.WithLabelValues(op).Inc()
		c.logger.Debug("Dropping stale cart response",
			zap.String("op", op),
			zap.Uint64("seq", seq),
			zap.Uint64("applied", c.applied))
		return false
	}
	c.applied = seq
	c.cart.Publish(cart)
	c.count.Publish(cart.TotalQuantity())
	return true
}

func (c *CartClient) mutate(ctx context.Context, op, method, path string, body any, guestSession bool) (*models.Cart, error) {
	seq := c.begin()

	var cart *models.Cart
	if err := c.call(ctx, op, method, path, body, guestSession, &cart); err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, &NetworkError{Op: op, Message: "empty cart payload"}
	}
	if !cart.TotalsConsistent() {
		c.logger.Warn("Server cart totals do not add up",
			zap.String("op", op),
			zap.String("subtotal", cart.Subtotal.String()),
			zap.String("total", cart.Total.String()))
	}

	c.apply(op, seq, cart)
	return cart, nil
}

// call performs one request and decodes the envelope's data into out.
// guestSession creates a session id for unauthenticated callers that have none.
func (c *CartClient) call(ctx context.Context, op, method, path string, body any, guestSession bool, out any) (err error) {
	ctx, span := util.StartSpan(ctx, "CartClient."+op)
	defer func() { util.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.identify(ctx, req, guestSession); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (rawResponse, error) {
		return c.send(op, req)
	})
	status := "error"
	if resp.status != 0 {
		status = strconv.Itoa(resp.status)
	}
	util.CartAPIRequestDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())

	if err != nil {
		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			netErr = &NetworkError{Op: op, Err: err}
		}
		util.CartAPIErrorsTotal.WithLabelValues(op, errorReason(netErr)).Inc()
		c.logger.Warn("Cart API call failed",
			zap.String("op", op),
			zap.Int("status", netErr.StatusCode),
			zap.Error(netErr))
		return netErr
	}

	envelope := models.APIResponse[json.RawMessage]{}
	if err := json.Unmarshal(resp.body, &envelope); err != nil {
		util.CartAPIErrorsTotal.WithLabelValues(op, "decode").Inc()
		return &NetworkError{Op: op, StatusCode: resp.status, Body: resp.body, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if !envelope.Success {
		util.CartAPIErrorsTotal.WithLabelValues(op, "rejected").Inc()
		return &NetworkError{Op: op, StatusCode: resp.status, Message: envelope.Message, Body: resp.body}
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		util.CartAPIErrorsTotal.WithLabelValues(op, "decode").Inc()
		return &NetworkError{Op: op, StatusCode: resp.status, Body: resp.body, Err: fmt.Errorf("failed to decode payload: %w", err)}
	}
	return nil
}

func (c *CartClient) send(op string, req *http.Request) (rawResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return rawResponse{}, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return rawResponse{status: resp.StatusCode}, &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		netErr := &NetworkError{Op: op, StatusCode: resp.StatusCode, Body: data}
		var envelope models.APIResponse[json.RawMessage]
		if json.Unmarshal(data, &envelope) == nil {
			netErr.Message = envelope.Message
		}
		return rawResponse{status: resp.StatusCode, body: data}, netErr
	}
	return rawResponse{status: resp.StatusCode, body: data}, nil
}

// identify attaches the auth credential or, failing that, the guest session id. Never both.
func (c *CartClient) identify(ctx context.Context, req *http.Request, guestSession bool) error {
	if c.auth != nil {
		if token := c.auth.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
			return nil
		}
	}

	var (
		sessionID string
		err       error
	)
	if guestSession {
		sessionID, err = c.sessions.EnsureSessionID(ctx)
	} else {
		sessionID, err = c.sessions.SessionID(ctx)
	}
	if err != nil {
		return err
	}
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	return nil
}

func errorReason(err *NetworkError) string {
	switch {
	case errors.Is(err.Err, gobreaker.ErrOpenState), errors.Is(err.Err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err.Err, context.DeadlineExceeded):
		return "timeout"
	case err.StatusCode == 0:
		return "transport"
	case err.StatusCode >= http.StatusInternalServerError:
		return "server"
	default:
		return "client"
	}
}
