package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/internal/metrics"
	"github.com/BaSui01/measurementplane/message"
)

// RegistryConfig holds registry settings.
type RegistryConfig struct {
	// Timeout is how long an advertisement stays valid.
	Timeout time.Duration
	// SweepInterval is how often Run evicts stale entries.
	SweepInterval time.Duration
}

// DefaultRegistryConfig returns the default registry configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Timeout:       60 * time.Second,
		SweepInterval: 10 * time.Second,
	}
}

type registryEntry struct {
	capability *message.Message
	lastSeen   time.Time
}

// Registry caches capability advertisements by capability id and forgets
// those not refreshed within Timeout.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry

	config  RegistryConfig
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewRegistry creates an empty registry. A nil clock uses time.Now.
func NewRegistry(config RegistryConfig, logger *zap.Logger, collector *metrics.Collector, clock func() time.Time) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	defaults := DefaultRegistryConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	return &Registry{
		entries: make(map[string]*registryEntry),
		config:  config,
		now:     clock,
		logger:  logger.With(zap.String("component", "registry")),
		metrics: collector,
	}
}

// Upsert records an advertisement and returns its capability id. A repeat
// advertisement replaces the stored one and refreshes its last-seen time.
func (r *Registry) Upsert(capability *message.Message) (string, error) {
	id, err := message.CapabilityID(capability)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	_, known := r.entries[id]
	r.entries[id] = &registryEntry{capability: capability.Clone(), lastSeen: r.now()}
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetRegistrySize(n)
	if !known {
		r.logger.Debug("capability discovered",
			zap.String("capability_id", id),
			zap.String("endpoint", capability.Endpoint),
			zap.String("capability", capability.CapabilityName),
		)
	}
	return id, nil
}

// Query returns a snapshot of the registry keyed by capability id. With
// roles given, only capabilities whose role is one of them are returned.
func (r *Registry) Query(roles ...string) map[string]*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*message.Message, len(r.entries))
	for id, e := range r.entries {
		if len(roles) > 0 && !contains(roles, e.capability.Role) {
			continue
		}
		out[id] = e.capability.Clone()
	}
	return out
}

// Get returns a copy of the capability with id.
func (r *Registry) Get(id string) (*message.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.capability.Clone(), true
}

// Len returns the number of cached capabilities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep removes entries last seen more than Timeout ago and returns how
// many it removed.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	removed := 0
	for id, e := range r.entries {
		if now.Sub(e.lastSeen) > r.config.Timeout {
			delete(r.entries, id)
			removed++
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	if removed > 0 {
		r.metrics.RecordEvictions(removed)
		r.logger.Debug("evicted stale capabilities", zap.Int("count", removed))
	}
	r.metrics.SetRegistrySize(n)
	return removed
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
