package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/metrics"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/responder"
)

// Deps are shared by every bridge a Registry creates
type Deps struct {
	Config    Config
	Dial      Dialer
	Responder responder.Responder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Registry tracks live bridges by session id
type Registry struct {
	bridges map[string]*Bridge
	mu      sync.RWMutex
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Idle reaping
	idleTimeout time.Duration
	stopOnce    sync.Once
	quit        chan struct{}
	cleanup     chan struct{}
}

// NewRegistry creates a registry. A positive idleTimeout starts a reaper
// that stops bridges with no activity for that long.
func NewRegistry(deps Deps, idleTimeout time.Duration) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	deps.Config.applyDefaults()

	r := &Registry{
		bridges:     make(map[string]*Bridge),
		deps:        deps,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		idleTimeout: idleTimeout,
		quit:        make(chan struct{}),
		cleanup:     make(chan struct{}),
	}

	if idleTimeout > 0 {
		go r.startCleanupRoutine()
	} else {
		close(r.cleanup)
	}

	return r
}

// GetOrCreate returns the bridge for id, creating it with client if absent.
// The second result reports whether a bridge was created.
func (r *Registry) GetOrCreate(id string, client ClientHandle) (*Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bridges[id]; ok {
		return existing, false
	}

	b := newBridge(id, client, &r.deps, r)
	r.bridges[id] = b

	r.metrics.RecordSessionCreated()
	r.metrics.SetActiveSessions(len(r.bridges))

	r.logger.Info("Created session",
		slog.String("session_id", id),
		slog.Int("active_sessions", len(r.bridges)),
	)

	return b, true
}

// Get retrieves an existing bridge
func (r *Registry) Get(id string) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bridges[id]
	return b, ok
}

// Remove stops and removes the bridge for id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	b, ok := r.bridges[id]
	if ok {
		delete(r.bridges, id)
	}
	count := len(r.bridges)
	r.mu.Unlock()

	if !ok {
		return false
	}

	b.shutdown()
	r.recordRemoved(b, count)
	return true
}

// detach removes b if it is still the registered bridge for its id
func (r *Registry) detach(b *Bridge) {
	r.mu.Lock()
	current, ok := r.bridges[b.id]
	if ok && current == b {
		delete(r.bridges, b.id)
	}
	count := len(r.bridges)
	r.mu.Unlock()

	if ok && current == b {
		r.recordRemoved(b, count)
	}
}

func (r *Registry) recordRemoved(b *Bridge, remaining int) {
	r.metrics.RecordSessionDestroyed(time.Since(b.createdAt).Seconds())
	r.metrics.SetActiveSessions(remaining)

	r.logger.Info("Session removed",
		slog.String("session_id", b.id),
		slog.Duration("total_duration", time.Since(b.createdAt)),
		slog.Int("active_sessions", remaining),
	)
}

// Count returns the number of registered bridges
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// Snapshot returns monitoring info for every bridge, oldest first
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	bridges := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(bridges))
	for _, b := range bridges {
		infos = append(infos, b.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Stop closes every bridge and stops the reaper
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping session registry...")

		close(r.quit)
		<-r.cleanup

		r.mu.Lock()
		bridges := r.bridges
		r.bridges = make(map[string]*Bridge)
		r.mu.Unlock()

		for _, b := range bridges {
			if b.shutdown() {
				r.metrics.RecordSessionDestroyed(time.Since(b.createdAt).Seconds())
			}
		}
		r.metrics.SetActiveSessions(0)

		r.logger.Info("Session registry stopped",
			slog.Int("closed_sessions", len(bridges)),
		)
	})
}

// startCleanupRoutine runs in a separate goroutine to reap idle sessions
func (r *Registry) startCleanupRoutine() {
	defer close(r.cleanup)

	interval := r.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", r.idleTimeout),
		slog.Duration("check_interval", interval),
	)

	for {
		select {
		case <-r.quit:
			r.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			r.reapIdle(time.Now())
		}
	}
}

// reapIdle stops sessions that have been inactive for too long
func (r *Registry) reapIdle(now time.Time) int {
	r.mu.RLock()
	expired := make([]*Bridge, 0)
	for _, b := range r.bridges {
		if b.idleSince(now) > r.idleTimeout {
			expired = append(expired, b)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	r.logger.Info("Cleaning up idle sessions",
		slog.Int("expired_count", len(expired)),
	)

	for _, b := range expired {
		_ = b.notify(protocol.NewError("Session closed after inactivity", now))
		b.Stop()
		r.metrics.RecordSessionReaped()
	}
	return len(expired)
}
