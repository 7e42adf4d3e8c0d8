package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cart-sync/internal/models"
	"cart-sync/internal/store"
	"cart-sync/internal/stream"
	"cart-sync/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OfflineStore is the durable storage behind the offline cart
type OfflineStore interface {
	GetAll(ctx context.Context) ([]models.OfflineCartItem, error)
	Get(ctx context.Context, id string) (*models.OfflineCartItem, error)
	GetByProductID(ctx context.Context, productID int64) (*models.OfflineCartItem, error)
	Put(ctx context.Context, item *models.OfflineCartItem) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// OfflineCartManager keeps the locally owned cart used while no server cart applies
type OfflineCartManager struct {
	store        OfflineStore
	connectivity *Connectivity
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.Mutex
	snapshot *stream.Subject[*models.OfflineCart]
	count    *stream.Subject[int]
}

// NewOfflineCartManager creates a manager over st. A nil st disables the offline cart:
// reads are empty and mutations fail with ErrStorageUnavailable.
func NewOfflineCartManager(st OfflineStore, connectivity *Connectivity) *OfflineCartManager {
	now := time.Now
	return &OfflineCartManager{
		store:        st,
		connectivity: connectivity,
		logger:       util.ComponentLogger("offline-cart"),
		now:          now,
		snapshot:     stream.NewSubject(models.NewOfflineCart(nil, now())),
		count:        stream.NewSubject(0),
	}
}

// Enabled reports whether offline storage is available
func (m *OfflineCartManager) Enabled() bool {
	return m.store != nil
}

// Load reads the stored items and publishes the first snapshot
func (m *OfflineCartManager) Load(ctx context.Context) error {
	if !m.Enabled() {
		m.logger.Warn("Offline cart disabled, no local storage")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.refresh(ctx)
	return err
}

// AddItem adds quantity of product, folding it into an existing line for the same product
func (m *OfflineCartManager) AddItem(ctx context.Context, product models.ProductSnapshot, quantity int, opts models.ItemOptions) (*models.OfflineCart, error) {
	ctx, span := util.StartSpan(ctx, "OfflineCartManager.AddItem")
	defer span.End()

	if !m.Enabled() {
		return nil, ErrStorageUnavailable
	}
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.GetByProductID(ctx, product.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up offline item: %w", err)
	}

	item := existing
	if item != nil {
		item.Quantity += quantity
	} else {
		item = &models.OfflineCartItem{
			ID:             "offline_" + uuid.New().String(),
			ProductID:      product.ID,
			ProductName:    product.Name,
			ProductImage:   product.Image,
			Quantity:       quantity,
			UnitPrice:      product.Price,
			IsAvailable:    true,
			AvailableStock: models.UnlimitedStock,
			AddedAt:        m.now(),
			IsOffline:      true,
			ItemOptions:    opts,
		}
	}
	item.Recompute()

	if err := m.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to save offline item: %w", err)
	}

	m.logger.Debug("Offline item saved",
		zap.String("item_id", item.ID),
		zap.Int64("product_id", item.ProductID),
		zap.Int("quantity", item.Quantity))

	return m.refresh(ctx)
}

// UpdateQuantity sets an item's quantity
func (m *OfflineCartManager) UpdateQuantity(ctx context.Context, itemID string, quantity int) (*models.OfflineCart, error) {
	if !m.Enabled() {
		return nil, ErrStorageUnavailable
	}
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.store.Get(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		return nil, fmt.Errorf("failed to get offline item: %w", err)
	}

	item.Quantity = quantity
	item.Recompute()
	if err := m.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to save offline item: %w", err)
	}

	return m.refresh(ctx)
}

// RemoveItem deletes an item
func (m *OfflineCartManager) RemoveItem(ctx context.Context, itemID string) (*models.OfflineCart, error) {
	if !m.Enabled() {
		return nil, ErrStorageUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, itemID); err != nil {
		return nil, fmt.Errorf("failed to delete offline item: %w", err)
	}
	return m.refresh(ctx)
}

// Clear removes every offline item
func (m *OfflineCartManager) Clear(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear offline cart: %w", err)
	}
	_, err := m.refresh(ctx)
	return err
}

// Items returns the stored items in insertion order
func (m *OfflineCartManager) Items(ctx context.Context) ([]models.OfflineCartItem, error) {
	if !m.Enabled() {
		return []models.OfflineCartItem{}, nil
	}
	return m.store.GetAll(ctx)
}

// Snapshot returns the last computed offline cart
func (m *OfflineCartManager) Snapshot() *models.OfflineCart {
	return m.snapshot.Value()
}

// ItemCount returns the summed quantity of the last snapshot
func (m *OfflineCartManager) ItemCount() int {
	return m.count.Value()
}

// HasItems reports whether the offline cart is non-empty
func (m *OfflineCartManager) HasItems() bool {
	return m.ItemCount() > 0
}

// Snapshots exposes the replay-latest snapshot stream
func (m *OfflineCartManager) Snapshots() *stream.Subject[*models.OfflineCart] {
	return m.snapshot
}

// Counts exposes the replay-latest item count stream
func (m *OfflineCartManager) Counts() *stream.Subject[int] {
	return m.count
}

// IsOnline is the cheap connectivity flag
func (m *OfflineCartManager) IsOnline() bool {
	if m.connectivity == nil {
		return true
	}
	return m.connectivity.IsOnline()
}

// IsReallyOnline runs the bounded backend reachability probe
func (m *OfflineCartManager) IsReallyOnline(ctx context.Context) bool {
	if m.connectivity == nil {
		return true
	}
	return m.connectivity.IsReallyOnline(ctx)
}

// Close ends the snapshot streams
func (m *OfflineCartManager) Close() {
	m.snapshot.Close()
	m.count.Close()
}

// refresh rebuilds the snapshot from storage; callers hold mu
func (m *OfflineCartManager) refresh(ctx context.Context) (*models.OfflineCart, error) {
	items, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read offline cart: %w", err)
	}

	cart := models.NewOfflineCart(items, m.now())
	m.snapshot.Publish(cart)
	m.count.Publish(cart.ItemsCount)
	util.OfflineCartItems.Set(float64(cart.ItemsCount))
	return cart, nil
}
