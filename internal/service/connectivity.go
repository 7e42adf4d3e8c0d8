package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"cart-sync/internal/stream"
	"cart-sync/internal/util"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// DefaultProbeTimeout bounds a reachability probe
const DefaultProbeTimeout = 5 * time.Second

// Connectivity tracks the cheap online flag and probes the backend on demand
type Connectivity struct {
	probeURL string
	timeout  time.Duration
	client   *http.Client
	online   *stream.Subject[bool]
	logger   *zap.Logger

	mu sync.Mutex
}

// NewConnectivity creates a connectivity tracker probing probeURL; the flag starts online
func NewConnectivity(probeURL string, timeout time.Duration) *Connectivity {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Connectivity{
		probeURL: probeURL,
		timeout:  timeout,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		online:   stream.NewSubject(true),
		logger:   util.ComponentLogger("connectivity"),
	}
}

// IsOnline returns the cheap platform flag
func (c *Connectivity) IsOnline() bool {
	return c.online.Value()
}

// SetOnline updates the flag; subscribers only see changes
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online.Value() == online {
		return
	}
	c.logger.Info("Connectivity changed", zap.Bool("online", online))
	c.online.Publish(online)
}

// Changes streams the online flag
func (c *Connectivity) Changes() (<-chan bool, func()) {
	return c.online.Subscribe()
}

// IsReallyOnline confirms the cheap flag with a backend probe
func (c *Connectivity) IsReallyOnline(ctx context.Context) bool {
	return c.IsOnline() && c.Probe(ctx)
}

// Probe requests the backend health path whatever the flag says. Any error,
// non-2xx answer or timeout counts as offline.
func (c *Connectivity) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		util.ConnectivityProbesTotal.WithLabelValues("error").Inc()
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		util.ConnectivityProbesTotal.WithLabelValues("unreachable").Inc()
		c.logger.Debug("Reachability probe failed", zap.Error(err))
		return false
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		util.ConnectivityProbesTotal.WithLabelValues("unhealthy").Inc()
		return false
	}
	util.ConnectivityProbesTotal.WithLabelValues("ok").Inc()
	return true
}

// Close ends the flag stream
func (c *Connectivity) Close() {
	c.online.Close()
}
