package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cart-sync/internal/models"
	"cart-sync/internal/redisclient"
	"cart-sync/internal/service"
	"cart-sync/internal/stream"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCoordinator struct {
	mu         sync.Mutex
	logins     []models.User
	logouts    int
	broadcasts []*models.SessionBroadcast
	recoveries int
	loginErr   error
}

func (f *fakeCoordinator) HandleLogin(_ context.Context, user models.User) (*service.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, user)
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &service.ReconcileResult{Path: service.PathFetch}, nil
}

func (f *fakeCoordinator) HandleLogout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeCoordinator) HandleBroadcast(_ context.Context, msg *models.SessionBroadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
	return nil
}

func (f *fakeCoordinator) HandleConnectivityChange(context.Context, bool) (*service.SyncReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries++
	return &service.SyncReport{}, nil
}

func (f *fakeCoordinator) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logins), len(f.broadcasts), f.recoveries
}

type fakeCredentials struct {
	token   string
	cleared bool
}

func (c *fakeCredentials) Save(_ context.Context, _ models.User, token string) error {
	c.token = token
	return nil
}

func (c *fakeCredentials) Clear(context.Context) error {
	c.cleared = true
	c.token = ""
	return nil
}

func TestAuthEventsDriveCoordinator(t *testing.T) {
	coord := &fakeCoordinator{}
	creds := &fakeCredentials{}
	w := &AuthEventWorker{coordinator: coord, credentials: creds, logger: zap.NewNop()}
	ctx := context.Background()

	require.NoError(t, w.handleLogin(ctx, &models.LoginSucceededEvent{User: models.User{ID: 7}, Token: "tok"}))
	assert.Equal(t, "tok", creds.token)
	require.Len(t, coord.logins, 1)
	assert.Equal(t, int64(7), coord.logins[0].ID)

	require.NoError(t, w.handleLogout(ctx, &models.LogoutCompletedEvent{UserID: 7}))
	assert.True(t, creds.cleared)
	assert.Equal(t, 1, coord.logouts)
}

func TestAuthLoginErrorIsReturned(t *testing.T) {
	coord := &fakeCoordinator{loginErr: service.ErrReconciliationInProgress}
	w := &AuthEventWorker{coordinator: coord, credentials: &fakeCredentials{}, logger: zap.NewNop()}

	err := w.handleLogin(context.Background(), &models.LoginSucceededEvent{User: models.User{ID: 7}})
	assert.True(t, errors.Is(err, service.ErrReconciliationInProgress))
}

func TestSessionBusWorkerAppliesBroadcasts(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redisclient.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "cart-sync:session")
	defer rc.Close()

	coord := &fakeCoordinator{}
	w := NewSessionBusWorker(rc, coord)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// wait for the subscription before publishing
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("cart-sync:session")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rc.PublishSession(ctx, &models.SessionBroadcast{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeSessionBroadcastLogout},
		Origin:    "other",
	}))

	require.Eventually(t, func() bool {
		_, broadcasts, _ := coord.counts()
		return broadcasts == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type fakeProber struct {
	mu     sync.Mutex
	up     bool
	probes int
	flag   *stream.Subject[bool]
}

func (p *fakeProber) Probe(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.up
}

func (p *fakeProber) SetOnline(online bool) {
	if p.flag.Value() != online {
		p.flag.Publish(online)
	}
}

func (p *fakeProber) Changes() (<-chan bool, func()) {
	return p.flag.Subscribe()
}

func (p *fakeProber) setUp(up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up = up
}

func TestConnectivityWorkerTriggersRecovery(t *testing.T) {
	prober := &fakeProber{flag: stream.NewSubject(false)}
	defer prober.flag.Close()
	coord := &fakeCoordinator{}
	w := NewConnectivityWorker(prober, coord, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	_, _, recoveries := coord.counts()
	assert.Equal(t, 0, recoveries)

	prober.setUp(true)
	require.Eventually(t, func() bool {
		_, _, recoveries := coord.counts()
		return recoveries == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, prober.flag.Value())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
