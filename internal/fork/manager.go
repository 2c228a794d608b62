package fork

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/audio"
)

// Consumer receives batches of inbound audio frames from the manager. Each
// consumer runs on its own worker goroutine so one slow adapter never stalls
// another.
type Consumer interface {
	// Name identifies the consumer in logs and metrics.
	Name() string

	// Available reports whether the consumer can currently accept frames.
	// While false the worker skips its cursor forward and accounts the
	// missed frames as drops.
	Available() bool

	// Consume forwards one batch of frames. A returned error drops exactly
	// that batch; the worker carries on with the next one.
	Consume(ctx context.Context, frames []audio.Frame) error
}

// Default manager tuning.
const (
	DefaultBufferDuration = 500 * time.Millisecond
	DefaultFrameDuration  = 20 * time.Millisecond
	DefaultDegradeAfter   = 60 * time.Second
	DefaultBatchSize      = 16
)

// Config tunes a Manager.
type Config struct {
	// CallID tags metrics and logs.
	CallID string

	// BufferDuration is the amount of audio the ring retains.
	BufferDuration time.Duration

	// FrameDuration is the duration of one frame, used to size the ring and
	// convert lag to milliseconds.
	FrameDuration time.Duration

	// DegradeAfter is how long the primary consumer may be unavailable
	// before fallback mode latches.
	DegradeAfter time.Duration

	// BatchSize caps the frames drained per worker wakeup.
	BatchSize int

	// OnFallbackChange, when set, is invoked from the watchdog goroutine
	// whenever fallback mode latches or clears.
	OnFallbackChange func(active bool)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.BufferDuration <= 0 {
		c.BufferDuration = DefaultBufferDuration
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = DefaultFrameDuration
	}
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = DefaultDegradeAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	return c
}

// Manager owns the ring and one worker goroutine per registered consumer.
// Push never blocks; all downstream latency shows up as consumer lag and,
// eventually, per-consumer drops.
type Manager struct {
	cfg  Config
	ring *Ring

	// pollInterval is the watchdog tick, shortened in tests.
	pollInterval time.Duration

	mu      sync.Mutex
	workers []*worker
	primary *worker
	started bool

	fallback atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// worker pairs a consumer with its cursor and wake channel.
type worker struct {
	consumer Consumer
	primary  bool

	cursor  uint64
	wake    chan struct{}
	dropped atomic.Uint64
}

// NewManager creates a manager whose ring holds BufferDuration of audio.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	frames := int(cfg.BufferDuration / cfg.FrameDuration)
	return &Manager{
		cfg:          cfg,
		ring:         NewRing(frames),
		pollInterval: time.Second,
	}
}

// Register adds a consumer. Exactly one consumer should be registered as
// primary; its availability drives the fallback latch. Register must be
// called before Start.
func (m *Manager) Register(c Consumer, primary bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &worker{
		consumer: c,
		primary:  primary,
		wake:     make(chan struct{}, 1),
	}
	m.workers = append(m.workers, w)
	if primary {
		m.primary = w
	}
}

// Start launches the worker goroutines and the availability watchdog.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, w := range m.workers {
		m.wg.Add(1)
		go m.runWorker(ctx, w)
	}
	if m.primary != nil {
		m.wg.Add(1)
		go m.watchPrimary(ctx)
	}
}

// Stop terminates the workers and waits for them to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Push stores one frame and wakes every worker. It never blocks.
func (m *Manager) Push(f audio.Frame) {
	m.ring.Push(f)
	m.mu.Lock()
	workers := m.workers
	m.mu.Unlock()
	for _, w := range workers {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// FallbackActive reports whether degraded mode is latched.
func (m *Manager) FallbackActive() bool { return m.fallback.Load() }

// Dropped returns the producer-side overwrite count.
func (m *Manager) Dropped() uint64 { return m.ring.Dropped() }

// ConsumerDropped returns the drop count for a named consumer, or zero when
// the name is unknown.
func (m *Manager) ConsumerDropped(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		if w.consumer.Name() == name {
			return w.dropped.Load()
		}
	}
	return 0
}

// runWorker drains the ring for one consumer until the context ends.
func (m *Manager) runWorker(ctx context.Context, w *worker) {
	defer m.wg.Done()

	name := w.consumer.Name()
	logger := m.cfg.Logger.With("component", "fork", "consumer", name, "call_id", m.cfg.CallID)
	batch := make([]audio.Frame, m.cfg.BatchSize)
	attrs := observe.Attr("consumer", name)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		for {
			n, next, skipped := m.ring.ReadFrom(w.cursor, batch)
			if skipped > 0 {
				w.dropped.Add(skipped)
				m.cfg.Metrics.RecordFrameDrop(ctx, name, int64(skipped))
				logger.Warn("consumer lost frames to ring overwrite", "skipped", skipped)
			}
			if n == 0 {
				break
			}

			if !w.consumer.Available() {
				// Skip rather than buffer: stale audio is worthless to a
				// consumer that comes back seconds later.
				w.cursor = next
				w.dropped.Add(uint64(n))
				m.cfg.Metrics.RecordFrameDrop(ctx, name, int64(n))
				continue
			}

			if err := w.consumer.Consume(ctx, batch[:n]); err != nil {
				w.dropped.Add(uint64(n))
				m.cfg.Metrics.RecordFrameDrop(ctx, name, int64(n))
				logger.Warn("consumer rejected batch", "frames", n, "error", err)
			}
			w.cursor = next

			lagMs := float64(m.ring.Head()-w.cursor) * float64(m.cfg.FrameDuration) / float64(time.Millisecond)
			m.cfg.Metrics.ConsumerLag.Record(ctx, lagMs, metric.WithAttributes(attrs))
			m.cfg.Metrics.BufferFillRatio.Record(ctx, m.ring.FillRatio(w.cursor))
		}
	}
}

// watchPrimary latches fallback mode when the primary consumer stays
// unavailable past DegradeAfter, and clears it on recovery.
func (m *Manager) watchPrimary(ctx context.Context) {
	defer m.wg.Done()

	logger := m.cfg.Logger.With("component", "fork", "call_id", m.cfg.CallID)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var unavailableSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		available := m.primary.consumer.Available()
		if available {
			m.cfg.Metrics.PrimaryAvailable.Record(ctx, 1)
			unavailableSince = time.Time{}
			if m.fallback.CompareAndSwap(true, false) {
				m.cfg.Metrics.FallbackActive.Record(ctx, 0)
				logger.Info("primary consumer recovered, leaving fallback mode")
				if m.cfg.OnFallbackChange != nil {
					m.cfg.OnFallbackChange(false)
				}
			}
			continue
		}

		m.cfg.Metrics.PrimaryAvailable.Record(ctx, 0)
		if unavailableSince.IsZero() {
			unavailableSince = time.Now()
		}
		if time.Since(unavailableSince) >= m.cfg.DegradeAfter && m.fallback.CompareAndSwap(false, true) {
			m.cfg.Metrics.FallbackActive.Record(ctx, 1)
			logger.Error("primary consumer unavailable past degrade window, entering fallback mode",
				"unavailable_for", time.Since(unavailableSince))
			if m.cfg.OnFallbackChange != nil {
				m.cfg.OnFallbackChange(true)
			}
		}
	}
}
