package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Local key/value keys shared with the auth token store
const (
	KeySessionID  = "cart_session_id"
	KeyGuestEmail = "guest_email"
)

// KeyValueStore is the flat local storage for identifiers
type KeyValueStore interface {
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, value string) error
	DeleteKey(ctx context.Context, key string) error
}

// SessionManager owns the guest session identifier
type SessionManager struct {
	kv KeyValueStore
}

// NewSessionManager creates a session manager over kv
func NewSessionManager(kv KeyValueStore) *SessionManager {
	return &SessionManager{kv: kv}
}

// SessionID returns the held session id, or "" when there is none
func (m *SessionManager) SessionID(ctx context.Context) (string, error) {
	id, err := m.kv.GetString(ctx, KeySessionID)
	if err != nil {
		return "", fmt.Errorf("failed to read session id: %w", err)
	}
	return id, nil
}

// EnsureSessionID returns the session id, creating one on first guest interaction
func (m *SessionManager) EnsureSessionID(ctx context.Context) (string, error) {
	id, err := m.SessionID(ctx)
	if err != nil || id != "" {
		return id, err
	}

	id = "sess_" + uuid.New().String()
	if err := m.kv.SetString(ctx, KeySessionID, id); err != nil {
		return "", fmt.Errorf("failed to persist session id: %w", err)
	}
	return id, nil
}

// ClearSessionID forgets the session id after a merge
func (m *SessionManager) ClearSessionID(ctx context.Context) error {
	return m.kv.DeleteKey(ctx, KeySessionID)
}

// ClearSession removes the session id and guest email marker
func (m *SessionManager) ClearSession(ctx context.Context) error {
	return errors.Join(
		m.kv.DeleteKey(ctx, KeySessionID),
		m.kv.DeleteKey(ctx, KeyGuestEmail),
	)
}
