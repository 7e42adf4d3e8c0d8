package service

import (
	"context"
	"sync"
	"time"

	"cart-sync/internal/debounce"
	"cart-sync/internal/models"
	"cart-sync/internal/stream"
	"cart-sync/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Quantity bounds accepted from the cart page
const (
	MinQuantity = 1
	MaxQuantity = 99
)

// Debounce windows for discrete clicks and typed input
const (
	DefaultClickDebounce  = 300 * time.Millisecond
	DefaultTypingDebounce = 800 * time.Millisecond
)

// ClampQuantity limits q to [MinQuantity, MaxQuantity]
func ClampQuantity(q int) int {
	if q < MinQuantity {
		return MinQuantity
	}
	if q > MaxQuantity {
		return MaxQuantity
	}
	return q
}

// QuantityUpdaterConfig configures the optimistic updater
type QuantityUpdaterConfig struct {
	TaxRate        decimal.Decimal
	ClickDebounce  time.Duration
	TypingDebounce time.Duration
}

// QuantityUpdater applies quantity changes to a local view at once and sends
// only the settled quantity of each burst to the server
type QuantityUpdater struct {
	cart    *CartClient
	taxRate decimal.Decimal
	clicks  *debounce.Debouncer[int64, int]
	typing  *debounce.Debouncer[int64, int]
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	confirmed *models.Cart
	intents   map[int64]int
	view      *stream.Subject[*models.Cart]
}

// NewQuantityUpdater creates an updater over the cart client's snapshot
func NewQuantityUpdater(cart *CartClient, cfg QuantityUpdaterConfig) *QuantityUpdater {
	if cfg.ClickDebounce <= 0 {
		cfg.ClickDebounce = DefaultClickDebounce
	}
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = DefaultTypingDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &QuantityUpdater{
		cart:    cart,
		taxRate: cfg.TaxRate,
		logger:  util.ComponentLogger("quantity-updater"),
		ctx:     ctx,
		cancel:  cancel,
		intents: make(map[int64]int),
		view:    stream.NewSubject[*models.Cart](nil),
	}
	u.clicks = debounce.New(cfg.ClickDebounce, u.flush)
	u.typing = debounce.New(cfg.TypingDebounce, u.flush)
	return u
}

// Start follows the server cart snapshot until Close
func (u *QuantityUpdater) Start() {
	carts, cancel := u.cart.Carts().Subscribe()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer cancel()
		for {
			select {
			case <-u.ctx.Done():
				return
			case cart, ok := <-carts:
				if !ok {
					return
				}
				u.onServerCart(cart)
			}
		}
	}()
}

// Load fetches the authoritative cart for the page
func (u *QuantityUpdater) Load(ctx context.Context) (*models.Cart, error) {
	cart, err := u.cart.GetCart(ctx)
	if err != nil {
		return nil, err
	}
	u.onServerCart(cart)
	return u.View(), nil
}

// View returns the cart as currently shown, optimistic changes included
func (u *QuantityUpdater) View() *models.Cart {
	return u.view.Value()
}

// Views exposes the replay-latest view stream
func (u *QuantityUpdater) Views() *stream.Subject[*models.Cart] {
	return u.view
}

// Increment raises an item's quantity by one
func (u *QuantityUpdater) Increment(itemID int64) (*models.CartItem, error) {
	return u.step(itemID, 1)
}

// Decrement lowers an item's quantity by one, never below MinQuantity
func (u *QuantityUpdater) Decrement(itemID int64) (*models.CartItem, error) {
	return u.step(itemID, -1)
}

func (u *QuantityUpdater) step(itemID int64, delta int) (*models.CartItem, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	current, err := u.currentQuantity(itemID)
	if err != nil {
		return nil, err
	}

	quantity := ClampQuantity(current + delta)
	item := u.applyLocked(itemID, quantity)
	u.typing.Cancel(itemID)
	u.clicks.Push(itemID, quantity)
	return item, nil
}

// SetQuantity applies a typed quantity, clamped to the accepted range
func (u *QuantityUpdater) SetQuantity(itemID int64, quantity int) (*models.CartItem, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, err := u.currentQuantity(itemID); err != nil {
		return nil, err
	}

	quantity = ClampQuantity(quantity)
	item := u.applyLocked(itemID, quantity)
	u.clicks.Cancel(itemID)
	u.typing.Push(itemID, quantity)
	return item, nil
}

// Close discards pending changes and stops following the server cart
func (u *QuantityUpdater) Close() {
	u.cancel()
	u.clicks.Close()
	u.typing.Close()
	u.wg.Wait()
	u.view.Close()
}

func (u *QuantityUpdater) currentQuantity(itemID int64) (int, error) {
	view := u.view.Value()
	idx := view.FindItem(itemID)
	if idx < 0 {
		return 0, ErrItemNotFound
	}
	return view.Items[idx].Quantity, nil
}

// applyLocked records the intent and republishes the view; callers hold mu
func (u *QuantityUpdater) applyLocked(itemID int64, quantity int) *models.CartItem {
	u.intents[itemID] = quantity
	view := u.project()
	u.view.Publish(view)

	idx := view.FindItem(itemID)
	item := view.Items[idx]
	return &item
}

// flush sends the settled quantity; it runs on the debouncer's goroutine
func (u *QuantityUpdater) flush(itemID int64, quantity int) {
	ctx, span := util.StartSpan(u.ctx, "QuantityUpdater.Flush")
	defer span.End()

	_, err := u.cart.UpdateItemQuantity(ctx, itemID, quantity)
	if err == nil {
		// the client's snapshot, not the response, so a stale answer cannot win
		u.onServerCart(u.cart.Snapshot())
		return
	}
	if u.ctx.Err() != nil {
		return
	}

	u.logger.Warn("Quantity update failed, rolling back",
		zap.Int64("item_id", itemID),
		zap.Int("quantity", quantity),
		zap.Error(err))
	util.OptimisticRollbacksTotal.Inc()
	u.rollback(itemID)

	if _, err := u.cart.GetCart(ctx); err != nil {
		u.logger.Error("Cart refetch after rollback failed", zap.Error(err))
		return
	}
	u.onServerCart(u.cart.Snapshot())
}

func (u *QuantityUpdater) rollback(itemID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	// a value pushed while the request was in flight is newer and still goes out
	if !u.clicks.Pending(itemID) && !u.typing.Pending(itemID) {
		delete(u.intents, itemID)
	}

	// a later push of the failed quantity has to reach the server again
	if idx := u.confirmed.FindItem(itemID); idx >= 0 {
		good := u.confirmed.Items[idx].Quantity
		u.clicks.Mark(itemID, good)
		u.typing.Mark(itemID, good)
	} else {
		u.clicks.Forget(itemID)
		u.typing.Forget(itemID)
	}

	u.view.Publish(u.project())
}

// onServerCart adopts an authoritative cart. Intents still waiting in a debouncer
// are laid over it; settled ones are dropped.
func (u *QuantityUpdater) onServerCart(cart *models.Cart) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.confirmed = cart.Clone()
	if cart == nil {
		for id := range u.intents {
			u.clicks.Cancel(id)
			u.typing.Cancel(id)
		}
		u.intents = make(map[int64]int)
		u.view.Publish(nil)
		return
	}

	for id := range u.intents {
		idx := cart.FindItem(id)
		if idx < 0 || !(u.clicks.Pending(id) || u.typing.Pending(id)) {
			delete(u.intents, id)
		}
	}
	for _, item := range cart.Items {
		if _, waiting := u.intents[item.ID]; !waiting {
			u.clicks.Mark(item.ID, item.Quantity)
			u.typing.Mark(item.ID, item.Quantity)
		}
	}

	u.view.Publish(u.project())
}

// project lays the intents over the confirmed cart and recomputes the provisional totals
func (u *QuantityUpdater) project() *models.Cart {
	view := u.confirmed.Clone()
	if view == nil || len(u.intents) == 0 {
		return view
	}

	subtotal := decimal.Zero
	count := 0
	for i := range view.Items {
		item := &view.Items[i]
		if q, ok := u.intents[item.ID]; ok {
			item.Quantity = q
			item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(q)))
		}
		subtotal = subtotal.Add(item.TotalPrice)
		count += item.Quantity
	}

	view.Subtotal = subtotal
	view.TaxAmount = subtotal.Mul(u.taxRate).Round(2)
	view.Total = subtotal.Add(view.TaxAmount).Add(view.ShippingAmount).Sub(view.DiscountAmount)
	view.ItemsCount = count
	return view
}
