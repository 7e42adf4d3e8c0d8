package worker

import (
	"context"
	"time"

	"cart-sync/internal/broker"
	"cart-sync/internal/models"
	"cart-sync/internal/redisclient"
	"cart-sync/internal/service"
	"cart-sync/internal/util"

	"go.uber.org/zap"
)

// SessionCoordinator is the part of the reconciliation coordinator the workers drive
type SessionCoordinator interface {
	HandleLogin(ctx context.Context, user models.User) (*service.ReconcileResult, error)
	HandleLogout(ctx context.Context) error
	HandleBroadcast(ctx context.Context, msg *models.SessionBroadcast) error
	HandleConnectivityChange(ctx context.Context, online bool) (*service.SyncReport, error)
}

// Credentials stores the token issued by the auth collaborator
type Credentials interface {
	Save(ctx context.Context, user models.User, token string) error
	Clear(ctx context.Context) error
}

// AuthEventWorker turns auth collaborator events from Kafka into cart transitions
type AuthEventWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	coordinator  SessionCoordinator
	credentials  Credentials
	logger       *zap.Logger
}

// NewAuthEventWorker creates a new auth event worker
func NewAuthEventWorker(consumer *broker.Consumer, coordinator SessionCoordinator, credentials Credentials) *AuthEventWorker {
	w := &AuthEventWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		coordinator:  coordinator,
		credentials:  credentials,
		logger:       util.ComponentLogger("auth-worker"),
	}

	w.eventHandler.OnLoginSucceeded(w.handleLogin)
	w.eventHandler.OnLogoutCompleted(w.handleLogout)
	return w
}

func (w *AuthEventWorker) handleLogin(ctx context.Context, event *models.LoginSucceededEvent) error {
	if err := w.credentials.Save(ctx, event.User, event.Token); err != nil {
		return err
	}

	result, err := w.coordinator.HandleLogin(ctx, event.User)
	if err != nil {
		return err
	}
	w.logger.Info("Login reconciled",
		zap.Int64("user_id", event.User.ID),
		zap.String("path", result.Path))
	return nil
}

func (w *AuthEventWorker) handleLogout(ctx context.Context, event *models.LogoutCompletedEvent) error {
	if err := w.credentials.Clear(ctx); err != nil {
		w.logger.Error("Failed to clear credentials", zap.Error(err))
	}
	return w.coordinator.HandleLogout(ctx)
}

// Start starts the worker
func (w *AuthEventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting auth event worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *AuthEventWorker) Stop() error {
	w.logger.Info("Stopping auth event worker")
	return w.consumer.Close()
}

// SessionBusWorker applies login/logout broadcasts from other instances
type SessionBusWorker struct {
	redis       *redisclient.Client
	coordinator SessionCoordinator
	logger      *zap.Logger
}

// NewSessionBusWorker creates a new session bus worker
func NewSessionBusWorker(redis *redisclient.Client, coordinator SessionCoordinator) *SessionBusWorker {
	return &SessionBusWorker{
		redis:       redis,
		coordinator: coordinator,
		logger:      util.ComponentLogger("session-bus-worker"),
	}
}

// Start subscribes and handles broadcasts until ctx is done
func (w *SessionBusWorker) Start(ctx context.Context) error {
	ps, err := w.redis.SubscribeSessions(ctx)
	if err != nil {
		return err
	}
	defer ps.Close()

	w.logger.Info("Starting session bus worker")
	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-messages:
			if !ok {
				return nil
			}
			msg, err := redisclient.DecodeSession(raw.Payload)
			if err != nil {
				w.logger.Warn("Dropping malformed session broadcast", zap.Error(err))
				continue
			}
			if err := w.coordinator.HandleBroadcast(ctx, msg); err != nil {
				w.logger.Error("Failed to apply session broadcast",
					zap.String("type", msg.EventType),
					zap.Error(err))
			}
		}
	}
}

// Prober reports and updates backend reachability
type Prober interface {
	Probe(ctx context.Context) bool
	SetOnline(online bool)
	Changes() (<-chan bool, func())
}

// ConnectivityWorker keeps the online flag current and triggers recovery syncs
type ConnectivityWorker struct {
	prober      Prober
	coordinator SessionCoordinator
	interval    time.Duration
	logger      *zap.Logger
}

// NewConnectivityWorker creates a new connectivity worker
func NewConnectivityWorker(prober Prober, coordinator SessionCoordinator, interval time.Duration) *ConnectivityWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ConnectivityWorker{
		prober:      prober,
		coordinator: coordinator,
		interval:    interval,
		logger:      util.ComponentLogger("connectivity-worker"),
	}
}

// Start probes on every tick and reacts to the flag going up, until ctx is done
func (w *ConnectivityWorker) Start(ctx context.Context) error {
	changes, cancel := w.prober.Changes()
	defer cancel()

	// skip the replayed current value
	select {
	case <-changes:
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.prober.SetOnline(w.prober.Probe(ctx))
		case online, ok := <-changes:
			if !ok {
				return nil
			}
			if !online {
				continue
			}
			report, err := w.coordinator.HandleConnectivityChange(ctx, true)
			if err != nil {
				w.logger.Error("Recovery sync failed", zap.Error(err))
				continue
			}
			if report != nil {
				w.logger.Info("Recovery sync done",
					zap.Int("synced", report.Synced),
					zap.Int("failed", len(report.Failed)))
			}
		}
	}
}
