// Package auth holds the client's view of the authentication collaborator:
// the cached token and user, persisted in the local key/value store.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cart-sync/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

const (
	KeyAuthToken = "auth_token"
	KeyAuthUser  = "auth_user"
)

// KeyValueStore is the flat local storage the token is cached in
type KeyValueStore interface {
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, value string) error
	DeleteKey(ctx context.Context, key string) error
}

// TokenStore caches the current credential in memory and in local storage
type TokenStore struct {
	kv  KeyValueStore
	now func() time.Time

	mu    sync.RWMutex
	token string
	user  *models.User
}

// NewTokenStore creates a token store over kv
func NewTokenStore(kv KeyValueStore) *TokenStore {
	return &TokenStore{kv: kv, now: time.Now}
}

// Load restores a previously saved credential
func (s *TokenStore) Load(ctx context.Context) error {
	token, err := s.kv.GetString(ctx, KeyAuthToken)
	if err != nil {
		return fmt.Errorf("failed to load auth token: %w", err)
	}

	var user *models.User
	raw, err := s.kv.GetString(ctx, KeyAuthUser)
	if err != nil {
		return fmt.Errorf("failed to load auth user: %w", err)
	}
	if raw != "" {
		user = &models.User{}
		if err := json.Unmarshal([]byte(raw), user); err != nil {
			return fmt.Errorf("failed to decode auth user: %w", err)
		}
	}

	s.mu.Lock()
	s.token = token
	s.user = user
	s.mu.Unlock()
	return nil
}

// Reload replaces the cached credential with whatever local storage holds now,
// picking up a login or logout made by another instance sharing the storage
func (s *TokenStore) Reload(ctx context.Context) error {
	return s.Load(ctx)
}

// Save stores the credential issued by a successful login
func (s *TokenStore) Save(ctx context.Context, user models.User, token string) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if err := s.kv.SetString(ctx, KeyAuthToken, token); err != nil {
		return fmt.Errorf("failed to save auth token: %w", err)
	}
	if err := s.kv.SetString(ctx, KeyAuthUser, string(data)); err != nil {
		return fmt.Errorf("failed to save auth user: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.user = &user
	s.mu.Unlock()
	return nil
}

// Clear forgets the credential
func (s *TokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.mu.Unlock()

	return errors.Join(
		s.kv.DeleteKey(ctx, KeyAuthToken),
		s.kv.DeleteKey(ctx, KeyAuthUser),
	)
}

// Token returns the current credential if it is still usable, or ""
func (s *TokenStore) Token() string {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token == "" || Expired(token, s.now()) {
		return ""
	}
	return token
}

// IsAuthenticated reports whether a usable credential is present
func (s *TokenStore) IsAuthenticated() bool {
	return s.Token() != ""
}

// User returns the cached user, if any
func (s *TokenStore) User() *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Expired reports whether a JWT's exp claim is in the past.
// Tokens that are not JWTs are opaque to the client and never considered expired;
// the signature is the server's business.
func Expired(token string, now time.Time) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}
