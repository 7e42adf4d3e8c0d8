package models

import "time"

// Event types
const (
	EventTypeLoginSucceeded         = "LOGIN_SUCCEEDED"
	EventTypeLogoutCompleted        = "LOGOUT_COMPLETED"
	EventTypeCartSessionMerged      = "CART_SESSION_MERGED"
	EventTypeCartMergeFailed        = "CART_MERGE_FAILED"
	EventTypeOfflineCartSynced      = "OFFLINE_CART_SYNCED"
	EventTypeOfflineItemSyncFailed  = "OFFLINE_ITEM_SYNC_FAILED"
	EventTypeCartCleared            = "CART_CLEARED"
	EventTypeSessionBroadcastLogin  = "SESSION_LOGIN"
	EventTypeSessionBroadcastLogout = "SESSION_LOGOUT"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// LoginSucceededEvent is emitted by the auth collaborator after login or registration
type LoginSucceededEvent struct {
	BaseEvent
	User  User   `json:"user"`
	Token string `json:"token"`
}

// LogoutCompletedEvent is emitted by the auth collaborator after logout
type LogoutCompletedEvent struct {
	BaseEvent
	UserID int64 `json:"user_id"`
}

// CartMergedEvent published after a session cart was folded into a user cart
type CartMergedEvent struct {
	BaseEvent
	UserID     int64  `json:"user_id"`
	SessionID  string `json:"session_id"`
	ItemsCount int    `json:"items_count"`
}

// CartMergeFailedEvent published when the merge endpoint failed and the fallback fetch ran
type CartMergeFailedEvent struct {
	BaseEvent
	UserID    int64  `json:"user_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// OfflineCartSyncedEvent published after an offline-sync pass
type OfflineCartSyncedEvent struct {
	BaseEvent
	UserID    int64 `json:"user_id"`
	Attempted int   `json:"attempted"`
	Synced    int   `json:"synced"`
	Failed    int   `json:"failed"`
}

// OfflineItemSyncFailedEvent published for each offline item the server rejected
type OfflineItemSyncFailedEvent struct {
	BaseEvent
	UserID        int64  `json:"user_id"`
	OfflineItemID string `json:"offline_item_id"`
	ProductID     int64  `json:"product_id"`
	Quantity      int    `json:"quantity"`
	Reason        string `json:"reason"`
}

// CartClearedEvent published when logout dropped the in-memory cart state
type CartClearedEvent struct {
	BaseEvent
	UserID int64 `json:"user_id"`
}

// SessionBroadcast is the cross-instance login/logout signal.
// Origin identifies the sending instance so it can ignore its own echo.
type SessionBroadcast struct {
	BaseEvent
	Origin string `json:"origin"`
	User   *User  `json:"user,omitempty"`
}
