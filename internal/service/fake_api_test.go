package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"cart-sync/internal/models"
	"cart-sync/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testTaxRate = decimal.RequireFromString("0.10")

type recordedCall struct {
	Route  string
	Header http.Header
	Body   []byte
}

// fakeCartAPI is an in-memory remote cart API with failure and latency injection
type fakeCartAPI struct {
	server *httptest.Server

	mu           sync.Mutex
	nextID       int64
	items        []models.CartItem
	prices       map[int64]decimal.Decimal
	sessionCarts map[string][]models.CartItem
	calls        []recordedCall
	failures     map[string]int
	failProducts map[int64]bool
	delays       map[string]time.Duration
	healthStatus int
}

func newFakeCartAPI(t *testing.T) *fakeCartAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	api := &fakeCartAPI{
		nextID:       100,
		prices:       make(map[int64]decimal.Decimal),
		sessionCarts: make(map[string][]models.CartItem),
		failures:     make(map[string]int),
		failProducts: make(map[int64]bool),
		delays:       make(map[string]time.Duration),
		healthStatus: http.StatusOK,
	}

	router := gin.New()
	router.Use(api.record)
	g := router.Group("/api")
	{
		g.GET("/health", func(c *gin.Context) { c.Status(api.health()) })
		g.GET("/cart", api.getCart)
		g.POST("/cart/add-item", api.addItem)
		g.PUT("/cart/items/:id/quantity", api.updateQuantity)
		g.DELETE("/cart/items/:id", api.removeItem)
		g.POST("/cart/clear", api.clear)
		g.POST("/cart/apply-discount", api.applyDiscount)
		g.POST("/cart/merge-session", api.mergeSession)
		g.GET("/cart/stats", api.stats)
	}

	api.server = httptest.NewServer(router)
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakeCartAPI) baseURL() string {
	return a.server.URL + "/api"
}

func (a *fakeCartAPI) record(c *gin.Context) {
	route := c.Request.Method + " " + c.FullPath()
	var body []byte
	if c.Request.Body != nil {
		body, _ = c.GetRawData()
		c.Request.Body = http.NoBody
		c.Set("body", body)
	}

	a.mu.Lock()
	a.calls = append(a.calls, recordedCall{Route: route, Header: c.Request.Header.Clone(), Body: body})
	status := a.failures[route]
	delay := a.delays[route]
	a.mu.Unlock()

	if status != 0 {
		time.Sleep(delay)
		c.AbortWithStatusJSON(status, models.APIResponse[any]{Success: false, Message: "injected failure"})
		return
	}
	c.Next()
}

func (a *fakeCartAPI) bind(c *gin.Context, out any) bool {
	raw, _ := c.Get("body")
	if err := json.Unmarshal(raw.([]byte), out); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse[any]{Message: err.Error()})
		return false
	}
	return true
}

// respond answers with the cart as it is now, after the route's injected delay
func (a *fakeCartAPI) respond(c *gin.Context) {
	a.mu.Lock()
	cart := a.cartLocked()
	delay := a.delays[c.Request.Method+" "+c.FullPath()]
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	c.JSON(http.StatusOK, models.APIResponse[*models.Cart]{Success: true, Data: cart})
}

func (a *fakeCartAPI) getCart(c *gin.Context) {
	a.respond(c)
}

func (a *fakeCartAPI) addItem(c *gin.Context) {
	var req models.AddItemRequest
	if !a.bind(c, &req) {
		return
	}

	a.mu.Lock()
	if a.failProducts[req.ProductID] {
		a.mu.Unlock()
		c.JSON(http.StatusUnprocessableEntity, models.APIResponse[any]{Message: "product unavailable"})
		return
	}
	a.addLocked(req.ProductID, req.Quantity)
	a.mu.Unlock()

	a.respond(c)
}

func (a *fakeCartAPI) updateQuantity(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)
	var req models.UpdateQuantityRequest
	if !a.bind(c, &req) {
		return
	}

	a.mu.Lock()
	found := false
	for i := range a.items {
		if a.items[i].ID == id {
			a.items[i].Quantity = req.Quantity
			a.items[i].TotalPrice = a.items[i].UnitPrice.Mul(decimal.NewFromInt(int64(req.Quantity)))
			found = true
		}
	}
	a.mu.Unlock()

	if !found {
		c.JSON(http.StatusNotFound, models.APIResponse[any]{Message: "item not found"})
		return
	}
	a.respond(c)
}

func (a *fakeCartAPI) removeItem(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	a.mu.Lock()
	kept := a.items[:0]
	for _, item := range a.items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	a.items = kept
	a.mu.Unlock()

	a.respond(c)
}

func (a *fakeCartAPI) clear(c *gin.Context) {
	a.mu.Lock()
	a.items = nil
	a.mu.Unlock()
	a.respond(c)
}

func (a *fakeCartAPI) applyDiscount(c *gin.Context) {
	var req models.ApplyDiscountRequest
	if !a.bind(c, &req) {
		return
	}
	if req.Code != "SAVE10" {
		c.JSON(http.StatusUnprocessableEntity, models.APIResponse[any]{Message: "invalid discount code"})
		return
	}
	a.respond(c)
}

func (a *fakeCartAPI) mergeSession(c *gin.Context) {
	var req models.MergeSessionRequest
	if !a.bind(c, &req) {
		return
	}

	a.mu.Lock()
	for _, item := range a.sessionCarts[req.SessionID] {
		a.addLocked(item.ProductID, item.Quantity)
	}
	delete(a.sessionCarts, req.SessionID)
	a.mu.Unlock()

	a.respond(c)
}

func (a *fakeCartAPI) stats(c *gin.Context) {
	a.mu.Lock()
	cart := a.cartLocked()
	a.mu.Unlock()

	c.JSON(http.StatusOK, models.APIResponse[*models.CartStats]{Success: true, Data: &models.CartStats{
		ItemsCount:  cart.ItemsCount,
		UniqueItems: len(cart.Items),
		Subtotal:    cart.Subtotal,
		Total:       cart.Total,
	}})
}

func (a *fakeCartAPI) health() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthStatus
}

func (a *fakeCartAPI) addLocked(productID int64, quantity int) {
	for i := range a.items {
		if a.items[i].ProductID == productID {
			a.items[i].Quantity += quantity
			a.items[i].TotalPrice = a.items[i].UnitPrice.Mul(decimal.NewFromInt(int64(a.items[i].Quantity)))
			return
		}
	}

	price, ok := a.prices[productID]
	if !ok {
		price = decimal.RequireFromString("100.00")
	}
	a.nextID++
	a.items = append(a.items, models.CartItem{
		ID:             a.nextID,
		ProductID:      productID,
		ProductName:    "product " + strconv.FormatInt(productID, 10),
		Quantity:       quantity,
		UnitPrice:      price,
		TotalPrice:     price.Mul(decimal.NewFromInt(int64(quantity))),
		IsAvailable:    true,
		AvailableStock: 50,
	})
}

func (a *fakeCartAPI) cartLocked() *models.Cart {
	cart := &models.Cart{
		ID:             1,
		Currency:       "USD",
		Subtotal:       decimal.Zero,
		DiscountAmount: decimal.Zero,
		ShippingAmount: decimal.Zero,
		Items:          make([]models.CartItem, len(a.items)),
	}
	copy(cart.Items, a.items)
	for _, item := range a.items {
		cart.Subtotal = cart.Subtotal.Add(item.TotalPrice)
		cart.ItemsCount += item.Quantity
	}
	cart.TaxAmount = cart.Subtotal.Mul(testTaxRate).Round(2)
	cart.Total = cart.Subtotal.Add(cart.TaxAmount)
	return cart
}

func (a *fakeCartAPI) setItem(productID int64, quantity int, price string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prices[productID] = decimal.RequireFromString(price)
	a.addLocked(productID, quantity)
	return a.nextID
}

func (a *fakeCartAPI) setSessionCart(sessionID string, items ...models.CartItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionCarts[sessionID] = items
}

func (a *fakeCartAPI) fail(route string, status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if status == 0 {
		delete(a.failures, route)
		return
	}
	a.failures[route] = status
}

func (a *fakeCartAPI) rejectProduct(productID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failProducts[productID] = true
}

func (a *fakeCartAPI) delay(route string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delays[route] = d
}

func (a *fakeCartAPI) setHealth(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthStatus = status
}

func (a *fakeCartAPI) callsTo(route string) []recordedCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []recordedCall
	for _, call := range a.calls {
		if call.Route == route {
			out = append(out, call)
		}
	}
	return out
}

func (a *fakeCartAPI) routes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.calls))
	for _, call := range a.calls {
		out = append(out, call.Route)
	}
	return out
}

func (a *fakeCartAPI) resetCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = nil
}

const (
	routeGetCart  = "GET /api/cart"
	routeAddItem  = "POST /api/cart/add-item"
	routeQuantity = "PUT /api/cart/items/:id/quantity"
	routeRemove   = "DELETE /api/cart/items/:id"
	routeClear    = "POST /api/cart/clear"
	routeDiscount = "POST /api/cart/apply-discount"
	routeMerge    = "POST /api/cart/merge-session"
	routeStats    = "GET /api/cart/stats"
)

type stubAuth struct {
	mu    sync.Mutex
	token string
}

func (a *stubAuth) IsAuthenticated() bool { return a.Token() != "" }

func (a *stubAuth) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *stubAuth) Reload(context.Context) error { return nil }

func (a *stubAuth) set(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

type harness struct {
	api      *fakeCartAPI
	auth     *stubAuth
	store    *store.Store
	sessions *SessionManager
	conn     *Connectivity
	client   *CartClient
	offline  *OfflineCartManager
}

func newHarness(t *testing.T, cfg CartClientConfig) *harness {
	t.Helper()

	api := newFakeCartAPI(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "cart.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if cfg.BaseURL == "" {
		cfg.BaseURL = api.baseURL()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}

	auth := &stubAuth{}
	sessions := NewSessionManager(st)
	conn := NewConnectivity(api.baseURL()+"/health", time.Second)
	client := NewCartClient(cfg, auth, sessions)
	offline := NewOfflineCartManager(st, conn)
	require.NoError(t, offline.Load(testContext(t)))

	t.Cleanup(func() {
		client.Close()
		offline.Close()
		conn.Close()
	})

	return &harness{
		api:      api,
		auth:     auth,
		store:    st,
		sessions: sessions,
		conn:     conn,
		client:   client,
		offline:  offline,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func jsonUnmarshal(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
