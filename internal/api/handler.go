package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cart-sync/internal/models"
	"cart-sync/internal/service"
	"cart-sync/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Credentials stores the token handed over by the auth collaborator
type Credentials interface {
	Save(ctx context.Context, user models.User, token string) error
	Clear(ctx context.Context) error
}

// ReadinessCheck reports whether an optional dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Services are the components the local API exposes
type Services struct {
	Coordinator  *service.Coordinator
	Cart         *service.CartClient
	Offline      *service.OfflineCartManager
	Updater      *service.QuantityUpdater
	Connectivity *service.Connectivity
	Credentials  Credentials
	Checks       map[string]ReadinessCheck
}

// Handler contains HTTP handlers
type Handler struct {
	svc Services
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/cart", h.getCart)
		v1.GET("/cart/status", h.getStatus)
		v1.GET("/cart/stats", h.getStats)
		v1.POST("/cart/items", h.addItem)
		v1.PUT("/cart/items/:id/quantity", h.setQuantity)
		v1.POST("/cart/items/:id/increment", h.increment)
		v1.POST("/cart/items/:id/decrement", h.decrement)
		v1.DELETE("/cart/items/:id", h.removeItem)
		v1.POST("/cart/clear", h.clearCart)
		v1.POST("/cart/discount", h.applyDiscount)
		v1.POST("/cart/sync", h.syncOffline)

		v1.GET("/offline-cart", h.getOfflineCart)
		v1.PUT("/offline-cart/items/:id/quantity", h.setOfflineQuantity)
		v1.DELETE("/offline-cart/items/:id", h.removeOfflineItem)

		v1.POST("/session/login", h.login)
		v1.POST("/session/logout", h.logout)
		v1.POST("/connectivity", h.setConnectivity)
	}
}

// AddItemRequest is the local add-to-cart intent
type AddItemRequest struct {
	Product struct {
		ID    int64           `json:"id" binding:"required,gt=0"`
		Name  string          `json:"name"`
		Image string          `json:"image"`
		Price decimal.Decimal `json:"price"`
	} `json:"product" binding:"required"`
	Quantity int `json:"quantity" binding:"required"`
	models.ItemOptions
}

// QuantityRequest sets an item quantity
type QuantityRequest struct {
	Quantity int `json:"quantity" binding:"required"`
}

// DiscountRequest applies a discount code
type DiscountRequest struct {
	Code string `json:"code" binding:"required"`
}

// LoginRequest carries a login-succeeded signal from the auth collaborator
type LoginRequest struct {
	User  models.User `json:"user" binding:"required"`
	Token string      `json:"token" binding:"required"`
}

// ConnectivityRequest carries the platform network flag
type ConnectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports each optional dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	checks := gin.H{
		"offline_storage": h.svc.Offline.Enabled(),
	}
	status := http.StatusOK
	for name, check := range h.svc.Checks {
		if err := check(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// getCart reloads the server cart and returns it with the offline cart
func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.svc.Updater.Load(c.Request.Context())
	if err != nil {
		writeError(c, "Failed to load cart", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cart":         cart,
		"offline_cart": h.svc.Offline.Snapshot(),
		"items_count":  h.svc.Coordinator.ItemCounts().Value(),
	})
}

func (h *Handler) getStatus(c *gin.Context) {
	status := h.svc.Cart.GetCartStatus(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"state":                h.svc.Coordinator.State().String(),
		"reconciling":          h.svc.Coordinator.Reconciling(),
		"online":               h.svc.Offline.IsOnline(),
		"has_session_cart":     status.HasSessionCart,
		"session_id":           status.SessionID,
		"current_cart":         status.CurrentCart,
		"items_count":          status.ItemsCount,
		"offline_items_count":  h.svc.Offline.ItemCount(),
		"combined_items_count": h.svc.Coordinator.ItemCounts().Value(),
	})
}

func (h *Handler) getStats(c *gin.Context) {
	stats, err := h.svc.Cart.GetStats(c.Request.Context())
	if err != nil {
		writeError(c, "Failed to load cart stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// addItem adds online, falling back to the offline cart
func (h *Handler) addItem(c *gin.Context) {
	var req AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	product := models.ProductSnapshot{
		ID:    req.Product.ID,
		Name:  req.Product.Name,
		Image: req.Product.Image,
		Price: req.Product.Price,
	}
	result, err := h.svc.Coordinator.AddToCart(c.Request.Context(), product, req.Quantity, req.ItemOptions)
	if err != nil {
		writeError(c, "Failed to add item", err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (h *Handler) setQuantity(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	var req QuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	item, err := h.svc.Updater.SetQuantity(id, req.Quantity)
	if err != nil {
		writeError(c, "Failed to update quantity", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"item": item, "cart": h.svc.Updater.View()})
}

func (h *Handler) increment(c *gin.Context) {
	h.step(c, h.svc.Updater.Increment)
}

func (h *Handler) decrement(c *gin.Context) {
	h.step(c, h.svc.Updater.Decrement)
}

func (h *Handler) step(c *gin.Context, fn func(int64) (*models.CartItem, error)) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	item, err := fn(id)
	if err != nil {
		writeError(c, "Failed to update quantity", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"item": item, "cart": h.svc.Updater.View()})
}

func (h *Handler) removeItem(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	cart, err := h.svc.Cart.RemoveItem(c.Request.Context(), id)
	if err != nil {
		writeError(c, "Failed to remove item", err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) clearCart(c *gin.Context) {
	cart, err := h.svc.Cart.Clear(c.Request.Context())
	if err != nil {
		writeError(c, "Failed to clear cart", err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) applyDiscount(c *gin.Context) {
	var req DiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cart, err := h.svc.Cart.ApplyDiscount(c.Request.Context(), req.Code)
	if err != nil {
		writeError(c, "Failed to apply discount", err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) syncOffline(c *gin.Context) {
	report, err := h.svc.Coordinator.SyncOfflineCart(c.Request.Context())
	if err != nil {
		writeError(c, "Offline sync failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) getOfflineCart(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Offline.Snapshot())
}

func (h *Handler) setOfflineQuantity(c *gin.Context) {
	var req QuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cart, err := h.svc.Offline.UpdateQuantity(c.Request.Context(), c.Param("id"), req.Quantity)
	if err != nil {
		writeError(c, "Failed to update offline item", err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) removeOfflineItem(c *gin.Context) {
	cart, err := h.svc.Offline.RemoveItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "Failed to remove offline item", err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := h.svc.Credentials.Save(ctx, req.User, req.Token); err != nil {
		writeError(c, "Failed to store credentials", err)
		return
	}

	result, err := h.svc.Coordinator.HandleLogin(ctx, req.User)
	if err != nil {
		writeError(c, "Login reconciliation failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) logout(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.svc.Credentials.Clear(ctx); err != nil {
		writeError(c, "Failed to clear credentials", err)
		return
	}
	if err := h.svc.Coordinator.HandleLogout(ctx); err != nil {
		writeError(c, "Logout failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.svc.Coordinator.State().String()})
}

func (h *Handler) setConnectivity(c *gin.Context) {
	var req ConnectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.svc.Connectivity.SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": h.svc.Connectivity.IsOnline()})
}

func itemID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid item ID",
		})
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// writeError maps service errors onto HTTP statuses
func writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": msg, "details": err.Error()}

	var netErr *service.NetworkError
	switch {
	case errors.Is(err, service.ErrItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidQuantity), errors.Is(err, service.ErrNoSessionCart):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, service.ErrReconciliationInProgress):
		status = http.StatusConflict
	case errors.As(err, &netErr):
		status = http.StatusBadGateway
		body["upstream_status"] = netErr.StatusCode
		body["retryable"] = netErr.Retryable()
	}

	c.JSON(status, body)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
