package service

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"cart-sync/internal/auth"
	"cart-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	failed []*models.OfflineItemSyncFailedEvent
}

func (p *recordingPublisher) add(eventType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) PublishCartMerged(_ context.Context, e *models.CartMergedEvent) error {
	p.add(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishCartMergeFailed(_ context.Context, e *models.CartMergeFailedEvent) error {
	p.add(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishOfflineCartSynced(_ context.Context, e *models.OfflineCartSyncedEvent) error {
	p.add(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishOfflineItemSyncFailed(_ context.Context, e *models.OfflineItemSyncFailedEvent) error {
	p.add(e.EventType)
	p.mu.Lock()
	p.failed = append(p.failed, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) PublishCartCleared(_ context.Context, e *models.CartClearedEvent) error {
	p.add(e.EventType)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []*models.SessionBroadcast
}

func (b *recordingBus) PublishSession(_ context.Context, msg *models.SessionBroadcast) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

type memoryGuard struct {
	mu     sync.Mutex
	locks  map[string]string
	claims map[string]bool
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{locks: make(map[string]string), claims: make(map[string]bool)}
}

func (g *memoryGuard) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.locks[key]; held {
		return "", false, nil
	}
	g.locks[key] = "token-" + key
	return g.locks[key], true, nil
}

func (g *memoryGuard) ReleaseLock(_ context.Context, key, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks[key] == token {
		delete(g.locks, key)
	}
	return nil
}

func (g *memoryGuard) ClaimIdempotencyKey(_ context.Context, key string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claims[key] {
		return false, nil
	}
	g.claims[key] = true
	return true, nil
}

func (g *memoryGuard) DeleteIdempotencyKey(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, key)
	return nil
}

func newCoordinator(t *testing.T, h *harness, cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 5 * time.Millisecond
	}
	c := NewCoordinator(h.client, h.offline, h.sessions, h.auth, cfg, opts...)
	t.Cleanup(c.Close)
	return c
}

func addOffline(t *testing.T, h *harness, productID int64, quantity int) {
	t.Helper()
	_, err := h.offline.AddItem(testContext(t), product(productID, "10.00"), quantity, models.ItemOptions{})
	require.NoError(t, err)
}

func login(t *testing.T, h *harness, c *Coordinator) *ReconcileResult {
	t.Helper()
	h.auth.set("user-token")
	result, err := c.HandleLogin(testContext(t), models.User{ID: 7, Email: "u@example.com"})
	require.NoError(t, err)
	return result
}

func TestLoginWithNothingToReconcileFetches(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	c := newCoordinator(t, h, CoordinatorConfig{})
	h.api.setItem(1, 2, "10.00")

	assert.Equal(t, StateGuest, c.State())
	result := login(t, h, c)

	assert.Equal(t, PathFetch, result.Path)
	assert.Equal(t, []string{routeGetCart}, h.api.routes())
	assert.Equal(t, 2, h.client.ItemCount())
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, int64(7), c.User().ID)
}

func TestLoginMergesSessionThenSyncsOffline(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	pub := &recordingPublisher{}
	c := newCoordinator(t, h, CoordinatorConfig{}, WithEventPublisher(pub))
	ctx := testContext(t)

	sessionID, err := h.sessions.EnsureSessionID(ctx)
	require.NoError(t, err)
	h.api.setSessionCart(sessionID,
		models.CartItem{ProductID: 1, Quantity: 1},
		models.CartItem{ProductID: 2, Quantity: 1},
		models.CartItem{ProductID: 3, Quantity: 1},
	)
	addOffline(t, h, 4, 1)

	result := login(t, h, c)

	assert.Equal(t, PathMerge, result.Path)
	assert.True(t, result.Merged)
	assert.Equal(t, []string{routeMerge, routeAddItem}, h.api.routes())
	require.NotNil(t, result.Sync)
	assert.Equal(t, 1, result.Sync.Synced)

	require.NotNil(t, result.Cart)
	assert.Len(t, result.Cart.Items, 4)
	assert.Equal(t, 4, h.client.ItemCount())
	assert.False(t, h.client.HasSessionCart(ctx))
	assert.False(t, h.offline.HasItems())
	assert.Equal(t, []string{
		models.EventTypeCartSessionMerged,
		models.EventTypeOfflineCartSynced,
	}, pub.types())
}

func TestLoginMergeFailureFallsBackToFetch(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	pub := &recordingPublisher{}
	c := newCoordinator(t, h, CoordinatorConfig{FallbackRetries: 2}, WithEventPublisher(pub))
	ctx := testContext(t)

	_, err := h.sessions.EnsureSessionID(ctx)
	require.NoError(t, err)
	addOffline(t, h, 4, 2)
	h.api.fail(routeMerge, http.StatusInternalServerError)

	result := login(t, h, c)

	assert.Equal(t, PathMergeFallback, result.Path)
	assert.False(t, result.Merged)
	assert.Empty(t, result.FetchErr)
	assert.Equal(t, []string{routeMerge, routeGetCart, routeAddItem}, h.api.routes())
	assert.True(t, h.client.HasSessionCart(ctx))
	assert.False(t, h.offline.HasItems())
	assert.Equal(t, 2, h.client.ItemCount())
	assert.Contains(t, pub.types(), models.EventTypeCartMergeFailed)
}

func TestLoginFallbackFetchFailureStillSyncs(t *testing.T) {
	h := newHarness(t, CartClientConfig{BreakerThreshold: 100})
	c := newCoordinator(t, h, CoordinatorConfig{FallbackRetries: 2})
	ctx := testContext(t)

	_, err := h.sessions.EnsureSessionID(ctx)
	require.NoError(t, err)
	addOffline(t, h, 4, 1)
	h.api.fail(routeMerge, http.StatusInternalServerError)
	h.api.fail(routeGetCart, http.StatusBadGateway)

	result := login(t, h, c)

	assert.NotEmpty(t, result.FetchErr)
	// one attempt plus two retries
	assert.Len(t, h.api.callsTo(routeGetCart), 3)
	assert.Len(t, h.api.callsTo(routeAddItem), 1)
	assert.False(t, h.offline.HasItems())
	assert.Equal(t, 1, h.client.ItemCount())
}

func TestLoginWithOfflineOnlySyncsThenFetches(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	c := newCoordinator(t, h, CoordinatorConfig{})
	addOffline(t, h, 1, 2)
	addOffline(t, h, 2, 1)

	result := login(t, h, c)

	assert.Equal(t, PathOfflineSync, result.Path)
	assert.Equal(t, []string{routeAddItem, routeAddItem, routeGetCart}, h.api.routes())
	assert.Equal(t, 3, h.client.ItemCount())
	assert.False(t, h.offline.HasItems())
}

func TestOfflineSyncKeepsOrderAndClearsAfterPartialFailure(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	pub := &recordingPublisher{}
	c := newCoordinator(t, h, CoordinatorConfig{}, WithEventPublisher(pub))
	ctx := testContext(t)

	addOffline(t, h, 3, 1)
	addOffline(t, h, 1, 1)
	addOffline(t, h, 2, 1)
	h.api.rejectProduct(1)

	report, err := c.SyncOfflineCart(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Synced)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, int64(1), report.Failed[0].ProductID)
	assert.True(t, report.Cleared)

	var sent []int64
	for _, call := range h.api.callsTo(routeAddItem) {
		var req models.AddItemRequest
		require.NoError(t, jsonUnmarshal(call.Body, &req))
		sent = append(sent, req.ProductID)
	}
	assert.Equal(t, []int64{3, 1, 2}, sent)

	items, err := h.offline.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Len(t, pub.failed, 1)
}

func TestOfflineSyncAckThenDeleteKeepsFailedItems(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	c := newCoordinator(t, h, CoordinatorConfig{SyncPolicy: SyncPolicyAckThenDelete})
	ctx := testContext(t)

	addOffline(t, h, 1, 1)
	addOffline(t, h, 2, 1)
	h.api.rejectProduct(2)

	report, err := c.SyncOfflineCart(ctx)
	require.NoError(t, err)
	assert.False(t, report.Cleared)

	items, err := h.offline.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].ProductID)
}

func TestLogoutClearsWithoutFlushing(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	bus := &recordingBus{}
	c := newCoordinator(t, h, CoordinatorConfig{}, WithSessionBus(bus))
	ctx := testContext(t)
	h.api.setItem(1, 1, "10.00")

	login(t, h, c)
	require.NotNil(t, h.client.Snapshot())

	addOffline(t, h, 9, 2)
	_, err := h.sessions.EnsureSessionID(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.SetString(ctx, KeyGuestEmail, "guest@example.com"))
	h.api.resetCalls()

	require.NoError(t, c.HandleLogout(ctx))

	assert.Nil(t, h.client.Snapshot())
	assert.Equal(t, 0, h.client.ItemCount())
	assert.Equal(t, StateGuest, c.State())
	assert.False(t, h.client.HasSessionCart(ctx))
	email, err := h.store.GetString(ctx, KeyGuestEmail)
	require.NoError(t, err)
	assert.Empty(t, email)

	assert.Equal(t, 2, h.offline.ItemCount())
	assert.Empty(t, h.api.routes())

	require.Len(t, bus.msgs, 2)
	assert.Equal(t, models.EventTypeSessionBroadcastLogin, bus.msgs[0].EventType)
	assert.Equal(t, models.EventTypeSessionBroadcastLogout, bus.msgs[1].EventType)
	assert.Equal(t, c.InstanceID(), bus.msgs[1].Origin)
}

func TestBroadcastFromSelfIsIgnored(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	c := newCoordinator(t, h, CoordinatorConfig{InstanceID: "tab-1"})

	err := c.HandleBroadcast(testContext(t), &models.SessionBroadcast{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeSessionBroadcastLogin},
		Origin:    "tab-1",
		User:      &models.User{ID: 7},
	})
	require.NoError(t, err)
	assert.Empty(t, h.api.routes())
	assert.Equal(t, StateGuest, c.State())
}

func TestBroadcastReRunsTransitions(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	bus := &recordingBus{}
	c := newCoordinator(t, h, CoordinatorConfig{InstanceID: "tab-1"}, WithSessionBus(bus))
	ctx := testContext(t)
	h.api.setItem(1, 1, "10.00")
	h.auth.set("user-token")

	require.NoError(t, c.HandleBroadcast(ctx, &models.SessionBroadcast{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeSessionBroadcastLogin},
		Origin:    "tab-2",
		User:      &models.User{ID: 7},
	}))
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, 1, h.client.ItemCount())

	h.auth.set("")
	require.NoError(t, c.HandleBroadcast(ctx, &models.SessionBroadcast{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeSessionBroadcastLogout},
		Origin:    "tab-2",
	}))
	assert.Equal(t, StateGuest, c.State())
	assert.Nil(t, h.client.Snapshot())

	// transitions triggered remotely are not echoed back
	assert.Empty(t, bus.msgs)
}

func TestLoginDefersWhenAnotherInstanceHoldsLock(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	guard := newMemoryGuard()
	c := newCoordinator(t, h, CoordinatorConfig{}, WithReconcileGuard(guard))
	addOffline(t, h, 1, 1)

	_, ok, err := guard.AcquireLock(context.Background(), "reconcile:user:7", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	result := login(t, h, c)
	assert.Equal(t, PathDeferred, result.Path)
	assert.Equal(t, []string{routeGetCart}, h.api.routes())
	assert.True(t, h.offline.HasItems())
}

func TestLoginSkipsMergeClaimedElsewhere(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	guard := newMemoryGuard()
	c := newCoordinator(t, h, CoordinatorConfig{}, WithReconcileGuard(guard))
	ctx := testContext(t)

	sessionID, err := h.sessions.EnsureSessionID(ctx)
	require.NoError(t, err)
	claimed, err := guard.ClaimIdempotencyKey(ctx, "merge:"+sessionID, time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	result := login(t, h, c)
	assert.Equal(t, PathFetch, result.Path)
	assert.Empty(t, h.api.callsTo(routeMerge))
	assert.False(t, h.client.HasSessionCart(ctx))

	// the lock is released once reconciliation is over
	_, ok, err := guard.AcquireLock(ctx, "reconcile:user:7", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFailedMergeReleasesClaim(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	guard := newMemoryGuard()
	c := newCoordinator(t, h, CoordinatorConfig{}, WithReconcileGuard(guard))
	ctx := testContext(t)

	sessionID, err := h.sessions.EnsureSessionID(ctx)
	require.NoError(t, err)
	h.api.fail(routeMerge, http.StatusInternalServerError)

	login(t, h, c)

	claimed, err := guard.ClaimIdempotencyKey(ctx, "merge:"+sessionID, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestAddToCartFallsBackOffline(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	c := newCoordinator(t, h, CoordinatorConfig{})
	ctx := testContext(t)

	result, err := c.AddToCart(ctx, product(1, "100.00"), 2, models.ItemOptions{})
	require.NoError(t, err)
	assert.True(t, result.Online)
	assert.Equal(t, 2, h.client.ItemCount())

	h.api.fail(routeAddItem, http.StatusInternalServerError)
	result, err = c.AddToCart(ctx, product(2, "50.00"), 1, models.ItemOptions{})
	require.NoError(t, err)
	assert.False(t, result.Online)
	require.NotNil(t, result.OfflineCart)
	assert.Equal(t, 1, h.offline.ItemCount())

	h.conn.SetOnline(false)
	h.api.resetCalls()
	_, err = c.AddToCart(ctx, product(2, "50.00"), 1, models.ItemOptions{})
	require.NoError(t, err)
	assert.Empty(t, h.api.callsTo(routeAddItem))
	assert.Equal(t, 2, h.offline.ItemCount())
}

func TestCombinedItemCount(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	c := newCoordinator(t, h, CoordinatorConfig{})
	h.api.setItem(1, 2, "10.00")

	_, err := h.client.GetCart(testContext(t))
	require.NoError(t, err)
	addOffline(t, h, 5, 3)

	assert.Eventually(t, func() bool { return c.ItemCounts().Value() == 5 }, time.Second, 5*time.Millisecond)
}

func TestConnectivityRecoverySyncsWhenAuthenticated(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	c := newCoordinator(t, h, CoordinatorConfig{})
	ctx := testContext(t)

	addOffline(t, h, 1, 1)

	// guests keep their offline cart
	report, err := c.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)
	assert.Nil(t, report)

	login(t, h, c)
	addOffline(t, h, 2, 1)
	h.api.resetCalls()

	h.api.setHealth(http.StatusServiceUnavailable)
	report, err = c.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.True(t, h.offline.HasItems())
	assert.Empty(t, h.api.callsTo(routeAddItem))

	h.api.setHealth(http.StatusOK)
	report, err = c.HandleConnectivityChange(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Synced)
	assert.False(t, h.offline.HasItems())
	assert.Len(t, h.api.callsTo(routeAddItem), 1)
	assert.Len(t, h.api.callsTo(routeGetCart), 1)
}

func TestConcurrentLoginIsRejected(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	c := newCoordinator(t, h, CoordinatorConfig{})
	h.api.delay(routeGetCart, 200*time.Millisecond)
	h.auth.set("user-token")
	ctx := testContext(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.HandleLogin(ctx, models.User{ID: 7})
	}()

	require.Eventually(t, c.Reconciling, time.Second, time.Millisecond)
	_, err := c.HandleLogin(ctx, models.User{ID: 7})
	assert.ErrorIs(t, err, ErrReconciliationInProgress)
	<-done
	assert.False(t, c.Reconciling())
}

func TestBroadcastReadsSharedCredential(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	ctx := testContext(t)

	// two instances over one local store, each with its own credential cache
	sender := auth.NewTokenStore(h.store)
	receiver := auth.NewTokenStore(h.store)
	require.NoError(t, receiver.Load(ctx))

	client := NewCartClient(CartClientConfig{BaseURL: h.api.baseURL(), Timeout: 2 * time.Second}, receiver, h.sessions)
	t.Cleanup(client.Close)
	c := NewCoordinator(client, h.offline, h.sessions, receiver, CoordinatorConfig{
		InstanceID:   "tab-b",
		RetryBackoff: 5 * time.Millisecond,
	})
	t.Cleanup(c.Close)
	addOffline(t, h, 1, 2)

	user := models.User{ID: 7}
	loginMsg := &models.SessionBroadcast{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeSessionBroadcastLogin},
		Origin:    "tab-a",
		User:      &user,
	}
	logoutMsg := &models.SessionBroadcast{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeSessionBroadcastLogout},
		Origin:    "tab-a",
	}

	// no credential stored yet, so there is nothing to reconcile as
	require.NoError(t, c.HandleBroadcast(ctx, loginMsg))
	assert.Equal(t, StateGuest, c.State())
	assert.Empty(t, h.api.routes())
	assert.Equal(t, 2, h.offline.ItemCount())

	require.NoError(t, sender.Save(ctx, user, "user-token"))
	require.NoError(t, c.HandleBroadcast(ctx, loginMsg))
	assert.Equal(t, StateAuthenticated, c.State())
	assert.True(t, receiver.IsAuthenticated())
	assert.False(t, h.offline.HasItems())

	calls := append(h.api.callsTo(routeAddItem), h.api.callsTo(routeGetCart)...)
	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.Equal(t, "Bearer user-token", call.Header.Get("Authorization"), call.Route)
		assert.Empty(t, call.Header.Get("X-Session-ID"), call.Route)
	}
	sessionID, err := h.sessions.SessionID(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessionID)

	// the credential is still stored, so this logout is out of date
	require.NoError(t, c.HandleBroadcast(ctx, logoutMsg))
	assert.Equal(t, StateAuthenticated, c.State())

	require.NoError(t, sender.Clear(ctx))
	require.NoError(t, c.HandleBroadcast(ctx, logoutMsg))
	assert.Equal(t, StateGuest, c.State())
	assert.False(t, receiver.IsAuthenticated())
	assert.Nil(t, client.Snapshot())
}

func TestLogoutDuringLoginEndsAsGuest(t *testing.T) {
	h := newHarness(t, CartClientConfig{})
	c := newCoordinator(t, h, CoordinatorConfig{})
	h.api.delay(routeGetCart, 150*time.Millisecond)
	h.auth.set("user-token")
	ctx := testContext(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.HandleLogin(ctx, models.User{ID: 7})
	}()

	require.Eventually(t, func() bool { return c.State() == StateAuthenticating }, time.Second, time.Millisecond)
	require.NoError(t, c.HandleLogout(ctx))
	<-done

	assert.Equal(t, StateGuest, c.State())
	assert.Nil(t, c.User())
	assert.Nil(t, h.client.Snapshot())
}
