package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// UnlimitedStock is the available_stock sentinel for offline items, whose real stock is unknown.
const UnlimitedStock = 999

// TotalsTolerance is the rounding tolerance accepted between the server's total and
// subtotal + tax + shipping - discount.
var TotalsTolerance = decimal.New(1, -2)

// ItemOptions carries the opaque per-line customisations shared by online and offline items
type ItemOptions struct {
	SelectedAttributes map[string]any `json:"selected_attributes,omitempty"`
	CustomOptions      map[string]any `json:"custom_options,omitempty"`
	Notes              string         `json:"notes,omitempty"`
}

// CartItem is a server-owned cart line, cached client side
type CartItem struct {
	ID             int64           `json:"id"`
	ProductID      int64           `json:"product_id"`
	VariantID      *int64          `json:"variant_id,omitempty"`
	ProductName    string          `json:"product_name"`
	ProductImage   string          `json:"product_image,omitempty"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	IsAvailable    bool            `json:"is_available"`
	AvailableStock int             `json:"available_stock"`
	ItemOptions
}

// Cart is the server-authoritative cart aggregate
type Cart struct {
	ID               int64           `json:"id"`
	UserID           *int64          `json:"user_id,omitempty"`
	SessionID        *string         `json:"session_id,omitempty"`
	GuestEmail       *string         `json:"guest_email,omitempty"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	ShippingAmount   decimal.Decimal `json:"shipping_amount"`
	Total            decimal.Decimal `json:"total"`
	Currency         string          `json:"currency"`
	ItemsCount       int             `json:"items_count"`
	AppliedDiscounts json.RawMessage `json:"applied_discounts,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	Items            []CartItem      `json:"items"`
}

// TotalQuantity sums the item quantities.
func (c *Cart) TotalQuantity() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

// FindItem returns the index of the item with the given id, or -1.
func (c *Cart) FindItem(itemID int64) int {
	if c == nil {
		return -1
	}
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// TotalsConsistent reports whether total == subtotal + tax + shipping - discount within TotalsTolerance.
func (c *Cart) TotalsConsistent() bool {
	expected := c.Subtotal.Add(c.TaxAmount).Add(c.ShippingAmount).Sub(c.DiscountAmount)
	return expected.Sub(c.Total).Abs().LessThanOrEqual(TotalsTolerance)
}

// Clone returns a copy whose item slice can be mutated without touching the original.
// Opaque maps are shared; nothing in this module mutates them.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Items = make([]CartItem, len(c.Items))
	copy(cp.Items, c.Items)
	return &cp
}

// ProductSnapshot is the product data needed to create an offline line
type ProductSnapshot struct {
	ID    int64           `json:"id" validate:"required,gt=0"`
	Name  string          `json:"name"`
	Image string          `json:"image,omitempty"`
	Price decimal.Decimal `json:"price"`
}

// OfflineCartItem is a locally owned cart line persisted while no server cart is used
type OfflineCartItem struct {
	ID             string          `json:"id"`
	Seq            uint64          `json:"seq"`
	ProductID      int64           `json:"product_id"`
	ProductName    string          `json:"product_name"`
	ProductImage   string          `json:"product_image,omitempty"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	IsAvailable    bool            `json:"is_available"`
	AvailableStock int             `json:"available_stock"`
	AddedAt        time.Time       `json:"added_at"`
	IsOffline      bool            `json:"is_offline"`
	ItemOptions
}

// Recompute sets TotalPrice from UnitPrice and Quantity
func (i *OfflineCartItem) Recompute() {
	i.TotalPrice = i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OfflineCart is derived from the stored items on every read and never persisted itself
type OfflineCart struct {
	Items       []OfflineCartItem `json:"items"`
	Subtotal    decimal.Decimal   `json:"subtotal"`
	Total       decimal.Decimal   `json:"total"`
	ItemsCount  int               `json:"items_count"`
	LastUpdated time.Time         `json:"last_updated"`
}

// NewOfflineCart aggregates items; no tax or shipping is applied offline.
func NewOfflineCart(items []OfflineCartItem, now time.Time) *OfflineCart {
	cart := &OfflineCart{
		Items:       items,
		Subtotal:    decimal.Zero,
		LastUpdated: now,
	}
	if cart.Items == nil {
		cart.Items = []OfflineCartItem{}
	}
	for _, item := range items {
		cart.Subtotal = cart.Subtotal.Add(item.TotalPrice)
		cart.ItemsCount += item.Quantity
	}
	cart.Total = cart.Subtotal
	return cart
}

// AddItemRequest is the body of POST /cart/add-item
type AddItemRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	VariantID *int64 `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=99"`
	ItemOptions
}

// UpdateQuantityRequest is the body of PUT /cart/items/{id}/quantity
type UpdateQuantityRequest struct {
	Quantity int `json:"quantity"`
}

// ApplyDiscountRequest is the body of POST /cart/apply-discount
type ApplyDiscountRequest struct {
	Code string `json:"code"`
}

// MergeSessionRequest is the body of POST /cart/merge-session
type MergeSessionRequest struct {
	SessionID string `json:"session_id"`
}

// APIResponse is the envelope every remote cart endpoint answers with
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// CartStats is the payload of GET /cart/stats
type CartStats struct {
	ItemsCount  int             `json:"items_count"`
	UniqueItems int             `json:"unique_items"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Total       decimal.Decimal `json:"total"`
}

// CartStatus is the synchronous diagnostic view used by the reconciliation logic
type CartStatus struct {
	HasSessionCart bool   `json:"has_session_cart"`
	SessionID      string `json:"session_id,omitempty"`
	CurrentCart    *Cart  `json:"current_cart"`
	ItemsCount     int    `json:"items_count"`
}

// User is the cached authenticated user
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
