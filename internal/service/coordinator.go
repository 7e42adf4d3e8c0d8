package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cart-sync/internal/models"
	"cart-sync/internal/stream"
	"cart-sync/internal/util"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// AuthState is the coordinator's view of the client's authentication
type AuthState int

const (
	StateGuest AuthState = iota
	StateAuthenticating
	StateAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case StateGuest:
		return "guest"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Offline sync policies
const (
	// SyncPolicyClearAll replays every offline item then empties the offline store
	SyncPolicyClearAll = "clear-all"
	// SyncPolicyAckThenDelete removes each offline item only once the server accepted it
	SyncPolicyAckThenDelete = "ack-then-delete"
)

// Reconciliation paths
const (
	PathMerge         = "merge"
	PathMergeFallback = "merge_fallback"
	PathOfflineSync   = "offline_sync"
	PathFetch         = "fetch"
	PathDeferred      = "deferred"
)

// CoordinatorConfig configures the reconciliation coordinator
type CoordinatorConfig struct {
	InstanceID      string
	SyncPolicy      string
	FallbackRetries int
	RetryBackoff    time.Duration
	LockTTL         time.Duration
}

// SyncFailure is one offline item the server did not accept
type SyncFailure struct {
	ItemID    string `json:"item_id"`
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

// SyncReport summarises an offline-sync pass
type SyncReport struct {
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Failed    []SyncFailure `json:"failed"`
	Cleared   bool          `json:"cleared"`
}

// ReconcileResult describes what a login transition did
type ReconcileResult struct {
	Path      string       `json:"path"`
	Merged    bool         `json:"merged"`
	FetchErr  string       `json:"fetch_error,omitempty"`
	Sync      *SyncReport  `json:"sync,omitempty"`
	Cart      *models.Cart `json:"cart"`
	ItemCount int          `json:"items_count"`
}

// AddResult describes where an add-to-cart intent landed
type AddResult struct {
	Online      bool                `json:"online"`
	Cart        *models.Cart        `json:"cart,omitempty"`
	OfflineCart *models.OfflineCart `json:"offline_cart,omitempty"`
}

// Coordinator drives the cart through login, logout and connectivity changes
type Coordinator struct {
	cart      *CartClient
	offline   *OfflineCartManager
	sessions  *SessionManager
	auth      AuthProvider
	publisher EventPublisher
	bus       SessionBus
	guard     ReconcileGuard
	cfg       CoordinatorConfig
	logger    *zap.Logger

	transition  sync.Mutex
	mu          sync.Mutex
	state       AuthState
	user        *models.User
	reconciling bool

	counts    *stream.Subject[int]
	stopCount func()
}

// CoordinatorOption customises a Coordinator
type CoordinatorOption func(*Coordinator)

// WithEventPublisher publishes cart lifecycle events
func WithEventPublisher(p EventPublisher) CoordinatorOption {
	return func(c *Coordinator) { c.publisher = p }
}

// WithSessionBus broadcasts login/logout to other instances
func WithSessionBus(bus SessionBus) CoordinatorOption {
	return func(c *Coordinator) { c.bus = bus }
}

// WithReconcileGuard enables the distributed reconcile lock and merge idempotency
func WithReconcileGuard(guard ReconcileGuard) CoordinatorOption {
	return func(c *Coordinator) { c.guard = guard }
}

// NewCoordinator creates a new reconciliation coordinator
func NewCoordinator(
	cart *CartClient,
	offline *OfflineCartManager,
	sessions *SessionManager,
	auth AuthProvider,
	cfg CoordinatorConfig,
	opts ...CoordinatorOption,
) *Coordinator {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	if cfg.SyncPolicy == "" {
		cfg.SyncPolicy = SyncPolicyClearAll
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}

	c := &Coordinator{
		cart:      cart,
		offline:   offline,
		sessions:  sessions,
		auth:      auth,
		publisher: noopPublisher{},
		cfg:       cfg,
		logger:    util.ComponentLogger("coordinator"),
		state:     StateGuest,
	}
	for _, opt := range opts {
		opt(c)
	}
	if auth != nil && auth.IsAuthenticated() {
		c.state = StateAuthenticated
	}

	c.counts, c.stopCount = stream.CombineLatest(cart.Counts(), offline.Counts(), func(online, offline int) int {
		return online + offline
	})
	return c
}

// InstanceID identifies this coordinator on the session bus
func (c *Coordinator) InstanceID() string {
	return c.cfg.InstanceID
}

// State returns the current authentication state
func (c *Coordinator) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// User returns the authenticated user, if known
func (c *Coordinator) User() *models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Reconciling reports whether a login reconciliation is running
func (c *Coordinator) Reconciling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciling
}

// ItemCounts streams online plus offline item counts
func (c *Coordinator) ItemCounts() *stream.Subject[int] {
	return c.counts
}

// Close stops the combined count stream
func (c *Coordinator) Close() {
	c.stopCount()
}

// HandleLogin runs the Guest to Authenticated transition and tells the other instances
func (c *Coordinator) HandleLogin(ctx context.Context, user models.User) (*ReconcileResult, error) {
	result, err := c.login(ctx, user)
	if err != nil {
		return nil, err
	}
	c.broadcast(ctx, models.EventTypeSessionBroadcastLogin, &user)
	return result, nil
}

// HandleLogout runs the Authenticated to Guest transition and tells the other instances
func (c *Coordinator) HandleLogout(ctx context.Context) error {
	err := c.logout(ctx)
	c.broadcast(ctx, models.EventTypeSessionBroadcastLogout, nil)
	return err
}

// HandleBroadcast re-runs a transition signalled by another instance
func (c *Coordinator) HandleBroadcast(ctx context.Context, msg *models.SessionBroadcast) error {
	if msg.Origin == c.cfg.InstanceID {
		return nil
	}

	c.logger.Info("Session broadcast received",
		zap.String("type", msg.EventType),
		zap.String("origin", msg.Origin))

	// the sender changed the shared credential; in-memory state here is stale
	if c.auth != nil {
		if err := c.auth.Reload(ctx); err != nil {
			return fmt.Errorf("failed to reload credentials: %w", err)
		}
	}

	switch msg.EventType {
	case models.EventTypeSessionBroadcastLogin:
		if msg.User == nil {
			return errors.New("login broadcast without user")
		}
		if c.auth == nil || !c.auth.IsAuthenticated() {
			c.logger.Warn("Login broadcast without a stored credential, ignored",
				zap.Int64("user_id", msg.User.ID))
			return nil
		}
		_, err := c.login(ctx, *msg.User)
		if errors.Is(err, ErrReconciliationInProgress) {
			return nil
		}
		return err
	case models.EventTypeSessionBroadcastLogout:
		if c.auth != nil && c.auth.IsAuthenticated() {
			c.logger.Info("Logout broadcast superseded by a stored credential, ignored")
			return nil
		}
		return c.logout(ctx)
	default:
		c.logger.Warn("Unhandled session broadcast", zap.String("type", msg.EventType))
		return nil
	}
}

func (c *Coordinator) login(ctx context.Context, user models.User) (result *ReconcileResult, err error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.HandleLogin")
	defer func() { util.EndSpan(span, err) }()

	c.mu.Lock()
	if c.reconciling {
		c.mu.Unlock()
		return nil, ErrReconciliationInProgress
	}
	c.reconciling = true
	c.mu.Unlock()

	c.transition.Lock()
	defer c.transition.Unlock()

	// state only moves while transition is held, so a logout lands before or after, never inside
	c.mu.Lock()
	c.state = StateAuthenticating
	c.user = &user
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconciling = false
		c.state = StateAuthenticated
		c.mu.Unlock()
	}()

	if c.guard != nil {
		key := "reconcile:user:" + strconv.FormatInt(user.ID, 10)
		token, ok, lockErr := c.guard.AcquireLock(ctx, key, c.cfg.LockTTL)
		switch {
		case lockErr != nil:
			c.logger.Warn("Reconcile lock unavailable, continuing unlocked",
				zap.Int64("user_id", user.ID),
				zap.Error(lockErr))
		case !ok:
			c.logger.Info("Another instance is reconciling this user, fetching only",
				zap.Int64("user_id", user.ID))
			return c.fetchOnly(ctx, PathDeferred), nil
		default:
			defer func() {
				if err := c.guard.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
					c.logger.Warn("Failed to release reconcile lock", zap.Error(err))
				}
			}()
		}
	}

	return c.reconcile(ctx, user), nil
}

// reconcile folds the guest session cart and the offline cart into the user's server cart.
// Failures degrade to a best-effort fetch and are never returned.
func (c *Coordinator) reconcile(ctx context.Context, user models.User) *ReconcileResult {
	hasSessionCart := c.cart.HasSessionCart(ctx)
	hasOfflineCart := c.offline.HasItems()

	c.logger.Info("Reconciling cart after login",
		zap.Int64("user_id", user.ID),
		zap.Bool("has_session_cart", hasSessionCart),
		zap.Bool("has_offline_cart", hasOfflineCart))

	var sessionID, claimKey string
	if hasSessionCart {
		sessionID, _ = c.sessions.SessionID(ctx)
		if c.guard != nil {
			claimKey = "merge:" + sessionID
			claimed, err := c.guard.ClaimIdempotencyKey(ctx, claimKey, 24*time.Hour)
			switch {
			case err != nil:
				c.logger.Warn("Merge idempotency check failed, merging anyway", zap.Error(err))
				claimKey = ""
			case !claimed:
				c.logger.Info("Session cart already merged elsewhere", zap.String("session_id", sessionID))
				if err := c.sessions.ClearSessionID(ctx); err != nil {
					c.logger.Error("Failed to clear merged session id", zap.Error(err))
				}
				hasSessionCart = false
			}
		}
	}

	result := &ReconcileResult{}

	switch {
	case hasSessionCart:
		merged, err := c.cart.MergeSessionCart(ctx)
		if err == nil {
			result.Path = PathMerge
			result.Merged = true
			c.publish(ctx, "cart merged", func(ctx context.Context) error {
				return c.publisher.PublishCartMerged(ctx, &models.CartMergedEvent{
					BaseEvent:  newBaseEvent(models.EventTypeCartSessionMerged),
					UserID:     user.ID,
					SessionID:  sessionID,
					ItemsCount: merged.TotalQuantity(),
				})
			})
			if hasOfflineCart {
				result.Sync = c.syncBestEffort(ctx, user.ID)
			}
			break
		}

		result.Path = PathMergeFallback
		c.logger.Warn("Session cart merge failed, falling back to fetch",
			zap.String("session_id", sessionID),
			zap.Error(err))
		if claimKey != "" {
			if err := c.guard.DeleteIdempotencyKey(ctx, claimKey); err != nil {
				c.logger.Warn("Failed to release merge claim", zap.Error(err))
			}
		}
		c.publish(ctx, "cart merge failed", func(ctx context.Context) error {
			return c.publisher.PublishCartMergeFailed(ctx, &models.CartMergeFailedEvent{
				BaseEvent: newBaseEvent(models.EventTypeCartMergeFailed),
				UserID:    user.ID,
				SessionID: sessionID,
				Reason:    err.Error(),
			})
		})

		if fetchErr := c.fetchWithRetry(ctx); fetchErr != nil {
			result.FetchErr = fetchErr.Error()
		}
		if hasOfflineCart {
			result.Sync = c.syncBestEffort(ctx, user.ID)
		}

	case hasOfflineCart:
		result.Path = PathOfflineSync
		result.Sync = c.syncBestEffort(ctx, user.ID)
		if _, err := c.cart.GetCart(ctx); err != nil {
			c.logger.Warn("Cart fetch after offline sync failed", zap.Error(err))
			result.FetchErr = err.Error()
		}

	default:
		result.Path = PathFetch
		if _, err := c.cart.GetCart(ctx); err != nil {
			c.logger.Warn("Cart fetch after login failed", zap.Error(err))
			result.FetchErr = err.Error()
		}
	}

	util.ReconciliationsTotal.WithLabelValues(result.Path).Inc()
	result.Cart = c.cart.Snapshot()
	result.ItemCount = c.cart.ItemCount()

	c.logger.Info("Cart reconciled",
		zap.Int64("user_id", user.ID),
		zap.String("path", result.Path),
		zap.Int("items_count", result.ItemCount))
	return result
}

func (c *Coordinator) fetchOnly(ctx context.Context, path string) *ReconcileResult {
	result := &ReconcileResult{Path: path}
	if _, err := c.cart.GetCart(ctx); err != nil {
		result.FetchErr = err.Error()
	}
	util.ReconciliationsTotal.WithLabelValues(path).Inc()
	result.Cart = c.cart.Snapshot()
	result.ItemCount = c.cart.ItemCount()
	return result
}

// fetchWithRetry retries transient GetCart failures after a failed merge
func (c *Coordinator) fetchWithRetry(ctx context.Context) error {
	backoff := retry.WithMaxRetries(uint64(c.cfg.FallbackRetries), retry.NewExponential(c.cfg.RetryBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := c.cart.GetCart(ctx)
		var netErr *NetworkError
		if errors.As(err, &netErr) && netErr.Retryable() {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		c.logger.Warn("Fallback cart fetch failed", zap.Error(err))
	}
	return err
}

func (c *Coordinator) logout(ctx context.Context) error {
	_, span := util.StartSpan(ctx, "Coordinator.HandleLogout")
	defer span.End()

	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	var userID int64
	if c.user != nil {
		userID = c.user.ID
	}
	c.state = StateGuest
	c.user = nil
	c.mu.Unlock()

	// the offline cart has no owner and is kept as is
	c.cart.Reset()
	err := c.sessions.ClearSession(ctx)
	if err != nil {
		c.logger.Error("Failed to clear session identifiers", zap.Error(err))
	}

	c.publish(ctx, "cart cleared", func(ctx context.Context) error {
		return c.publisher.PublishCartCleared(ctx, &models.CartClearedEvent{
			BaseEvent: newBaseEvent(models.EventTypeCartCleared),
			UserID:    userID,
		})
	})

	c.logger.Info("Cart state cleared after logout", zap.Int64("user_id", userID))
	return err
}

// SyncOfflineCart replays the offline cart into the online cart
func (c *Coordinator) SyncOfflineCart(ctx context.Context) (*SyncReport, error) {
	c.transition.Lock()
	defer c.transition.Unlock()

	var userID int64
	if u := c.User(); u != nil {
		userID = u.ID
	}
	return c.syncOffline(ctx, userID)
}

func (c *Coordinator) syncBestEffort(ctx context.Context, userID int64) *SyncReport {
	report, err := c.syncOffline(ctx, userID)
	if err != nil {
		c.logger.Error("Offline sync failed", zap.Error(err))
	}
	return report
}

// syncOffline adds every offline item to the server cart in insertion order. An item
// the server rejects is logged and skipped; the loop never stops early for it.
func (c *Coordinator) syncOffline(ctx context.Context, userID int64) (report *SyncReport, err error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.SyncOfflineCart")
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() { util.OfflineSyncDuration.Observe(time.Since(start).Seconds()) }()

	report = &SyncReport{Failed: []SyncFailure{}}

	items, err := c.offline.Items(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read offline cart: %w", err)
	}
	report.Attempted = len(items)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			// unsent items stay offline for the next pass
			return report, err
		}

		req := &models.AddItemRequest{
			ProductID:   item.ProductID,
			Quantity:    ClampQuantity(item.Quantity),
			ItemOptions: item.ItemOptions,
		}
		if req.Quantity != item.Quantity {
			c.logger.Warn("Offline quantity clamped for sync",
				zap.String("item_id", item.ID),
				zap.Int("quantity", item.Quantity),
				zap.Int("sent", req.Quantity))
		}

		if _, err := c.cart.AddItem(ctx, req); err != nil {
			util.OfflineSyncItemsTotal.WithLabelValues("failed").Inc()
			c.logger.Warn("Offline item sync failed",
				zap.String("item_id", item.ID),
				zap.Int64("product_id", item.ProductID),
				zap.Error(err))

			report.Failed = append(report.Failed, SyncFailure{
				ItemID:    item.ID,
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Reason:    err.Error(),
			})
			failed := item
			reason := err.Error()
			c.publish(ctx, "offline item sync failed", func(ctx context.Context) error {
				return c.publisher.PublishOfflineItemSyncFailed(ctx, &models.OfflineItemSyncFailedEvent{
					BaseEvent:     newBaseEvent(models.EventTypeOfflineItemSyncFailed),
					UserID:        userID,
					OfflineItemID: failed.ID,
					ProductID:     failed.ProductID,
					Quantity:      failed.Quantity,
					Reason:        reason,
				})
			})
			continue
		}

		util.OfflineSyncItemsTotal.WithLabelValues("synced").Inc()
		report.Synced++

		if c.cfg.SyncPolicy == SyncPolicyAckThenDelete {
			if _, err := c.offline.RemoveItem(ctx, item.ID); err != nil {
				c.logger.Error("Failed to remove synced offline item",
					zap.String("item_id", item.ID),
					zap.Error(err))
			}
		}
	}

	if c.cfg.SyncPolicy != SyncPolicyAckThenDelete {
		if err := c.offline.Clear(ctx); err != nil {
			return report, err
		}
		report.Cleared = true
	}

	c.publish(ctx, "offline cart synced", func(ctx context.Context) error {
		return c.publisher.PublishOfflineCartSynced(ctx, &models.OfflineCartSyncedEvent{
			BaseEvent: newBaseEvent(models.EventTypeOfflineCartSynced),
			UserID:    userID,
			Attempted: report.Attempted,
			Synced:    report.Synced,
			Failed:    len(report.Failed),
		})
	})

	c.logger.Info("Offline cart synced",
		zap.Int("attempted", report.Attempted),
		zap.Int("synced", report.Synced),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// HandleConnectivityChange syncs the offline cart once the backend is reachable again
func (c *Coordinator) HandleConnectivityChange(ctx context.Context, online bool) (*SyncReport, error) {
	if !online || c.State() != StateAuthenticated || !c.offline.HasItems() {
		return nil, nil
	}
	if !c.offline.IsReallyOnline(ctx) {
		c.logger.Info("Connectivity flag is up but backend is unreachable, sync postponed")
		return nil, nil
	}

	report, err := c.SyncOfflineCart(ctx)
	if err != nil {
		return report, err
	}
	if _, err := c.cart.GetCart(ctx); err != nil {
		c.logger.Warn("Cart fetch after recovery sync failed", zap.Error(err))
	}
	return report, nil
}

// AddToCart adds through the server cart when online and falls back to the offline cart
// on any failure
func (c *Coordinator) AddToCart(ctx context.Context, product models.ProductSnapshot, quantity int, opts models.ItemOptions) (*AddResult, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.AddToCart")
	defer span.End()

	quantity = ClampQuantity(quantity)

	var onlineErr error
	if c.offline.IsOnline() {
		cart, err := c.cart.AddItem(ctx, &models.AddItemRequest{
			ProductID:   product.ID,
			Quantity:    quantity,
			ItemOptions: opts,
		})
		if err == nil {
			return &AddResult{Online: true, Cart: cart}, nil
		}
		onlineErr = err
		c.logger.Warn("Online add failed, using offline cart",
			zap.Int64("product_id", product.ID),
			zap.Error(err))
	}

	offlineCart, err := c.offline.AddItem(ctx, product, quantity, opts)
	if err != nil {
		if onlineErr != nil {
			return nil, errors.Join(onlineErr, err)
		}
		return nil, err
	}
	util.OfflineFallbackAddsTotal.Inc()
	return &AddResult{OfflineCart: offlineCart}, nil
}

func (c *Coordinator) broadcast(ctx context.Context, eventType string, user *models.User) {
	if c.bus == nil {
		return
	}
	msg := &models.SessionBroadcast{
		BaseEvent: newBaseEvent(eventType),
		Origin:    c.cfg.InstanceID,
		User:      user,
	}
	if err := c.bus.PublishSession(ctx, msg); err != nil {
		c.logger.Warn("Failed to broadcast session change",
			zap.String("type", eventType),
			zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, what string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		c.logger.Error("Failed to publish event", zap.String("event", what), zap.Error(err))
	}
}
