package ami

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries   = 10
	defaultBackoff      = 1 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultHealthPeriod = 5 * time.Second
)

// Reconnector keeps an AMI client connected, re-establishing the manager
// session with exponential backoff after a drop. While the client is
// disconnected the orchestrator runs in its degraded no-transfer mode; the
// reconnector's job is to make that window short.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	client       *Client
	maxRetries   int
	backoff      time.Duration
	maxBackoff   time.Duration
	healthPeriod time.Duration
	onReconnect  func()
	log          *slog.Logger

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Client is the AMI client to supervise. Required.
	Client *Client

	// MaxRetries bounds one reconnection burst. After it is exhausted the
	// reconnector waits for the next health check or notification before
	// trying again. Defaults to 10.
	MaxRetries int

	// Backoff is the initial delay between retries, doubling up to
	// MaxBackoff. Defaults to 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// HealthPeriod is how often the supervised client is probed when no
	// explicit disconnect notification arrives. Defaults to 5s.
	HealthPeriod time.Duration

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func()

	Logger *slog.Logger
}

// NewReconnector creates a Reconnector for cfg.Client.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.HealthPeriod <= 0 {
		cfg.HealthPeriod = defaultHealthPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconnector{
		client:       cfg.Client,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.Backoff,
		maxBackoff:   cfg.MaxBackoff,
		healthPeriod: cfg.HealthPeriod,
		onReconnect:  cfg.OnReconnect,
		log:          cfg.Logger.With("component", "ami_reconnector"),
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts supervision in a background goroutine. It returns
// immediately; Stop or ctx cancellation ends the goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals that the manager session was observed dead and a
// reconnect should start now. Safe to call repeatedly; only the first call
// per cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts supervision. It does not close the client.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(r.healthPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		case <-ticker.C:
			if !r.client.Connected() {
				r.attemptReconnect(ctx)
			}
		}
	}
}

func (r *Reconnector) attemptReconnect(ctx context.Context) {
	backoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		if r.client.Connected() {
			return
		}

		r.log.Info("attempting manager reconnection", "attempt", attempt)
		err := r.client.Connect(ctx)
		if err == nil {
			r.log.Info("manager reconnected", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}
		r.log.Warn("manager reconnection failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
	r.log.Error("manager reconnection giving up until next probe", "attempts", r.maxRetries)
}
