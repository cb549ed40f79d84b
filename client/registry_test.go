package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/internal/metrics"
	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func advert(endpoint, name, role string) *message.Message {
	return capability.Advertisement(endpoint, capability.Descriptor{Role: role, Label: name, Name: name}, time.Now())
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, m := range f.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			}
		}
		return total
	}
	return 0
}

func TestRegistry_UpsertRefreshesEntry(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{}, nil, nil, clock.Now)

	first := advert("/qnet", "probe", capability.RoleMeasure)
	id, err := r.Upsert(first)
	require.NoError(t, err)
	assert.Equal(t, message.CapabilityIDOf("/qnet", "probe"), id)

	clock.Advance(50 * time.Second)
	again := advert("/qnet", "probe", capability.RoleMeasure)
	again.Label = "renamed"
	id2, err := r.Upsert(again)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Label)

	clock.Advance(50 * time.Second)
	assert.Zero(t, r.Sweep(), "refreshed entry must survive")
}

func TestRegistry_SweepEvictsStale(t *testing.T) {
	clock := newFakeClock()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry("test", reg, nil)
	r := NewRegistry(DefaultRegistryConfig(), nil, collector, clock.Now)

	_, err := r.Upsert(advert("/a", "probe", capability.RoleMeasure))
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = r.Upsert(advert("/b", "probe", capability.RoleMeasure))
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get(message.CapabilityIDOf("/a", "probe"))
	assert.False(t, ok)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.Zero(t, r.Len())

	assert.Equal(t, 2.0, metricValue(t, reg, "test_registry_evictions_total"))
	assert.Equal(t, 0.0, metricValue(t, reg, "test_registry_capabilities"))
}

func TestRegistry_QueryFiltersByRole(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), nil, nil, nil)
	for _, m := range []*message.Message{
		advert("/qnet", "probe", capability.RoleMeasure),
		advert("/qnet", "trace", capability.RoleMeasure),
		advert("/store", "result_store", capability.RoleStore),
	} {
		_, err := r.Upsert(m)
		require.NoError(t, err)
	}

	assert.Len(t, r.Query(), 3)
	assert.Len(t, r.Query(capability.RoleMeasure), 2)
	stores := r.Query(capability.RoleStore)
	require.Len(t, stores, 1)
	for id, m := range stores {
		assert.Equal(t, message.CapabilityIDOf("/store", "result_store"), id)
		m.Label = "mutated"
	}
	assert.Len(t, r.Query("unknown"), 0)

	again := r.Query(capability.RoleStore)
	for _, m := range again {
		assert.Equal(t, "result_store", m.Label, "query must return copies")
	}
}

func TestRegistry_RejectsAdvertWithoutIdentity(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), nil, nil, nil)
	m := advert("", "probe", capability.RoleMeasure)
	_, err := r.Upsert(m)
	assert.True(t, types.Is(err, types.ErrMissingField))
	assert.Zero(t, r.Len())
}

func TestRegistry_RunSweepsPeriodically(t *testing.T) {
	r := NewRegistry(RegistryConfig{Timeout: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, nil, nil, nil)
	_, err := r.Upsert(advert("/qnet", "probe", capability.RoleMeasure))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
