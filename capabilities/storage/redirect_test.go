package storage_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/measurementplane/agent"
	"github.com/BaSui01/measurementplane/capabilities/regiontime"
	"github.com/BaSui01/measurementplane/capabilities/storage"
	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/client"
	"github.com/BaSui01/measurementplane/config"
	"github.com/BaSui01/measurementplane/internal/database"
	"github.com/BaSui01/measurementplane/internal/migration"
	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/testutil"
	"github.com/BaSui01/measurementplane/testutil/mocks"
	"github.com/BaSui01/measurementplane/transport/membus"
)

func runAgent(t *testing.T, bus *membus.Bus, endpoint string, factories ...capability.Factory) *agent.Agent {
	t.Helper()
	cfg := agent.DefaultConfig()
	cfg.AdvertiseInterval = 20 * time.Millisecond
	a, err := agent.New(bus, endpoint,
		agent.WithCapabilities(factories...),
		agent.WithLogger(zaptest.NewLogger(t)),
		agent.WithConfig(cfg),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func sqlBackend(t *testing.T) *storage.SQLBackend {
	t.Helper()
	cfg := config.DatabaseConfig{Driver: "sqlite", Name: filepath.Join(t.TempDir(), "results.db")}
	_, err := migration.Apply(context.Background(), cfg, nil)
	require.NoError(t, err)
	pm, err := database.Open(cfg, nil)
	require.NoError(t, err)
	backend, err := storage.NewSQLBackend(pm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestRedirectToStorage_PersistsResults(t *testing.T) {
	bus := membus.New(nil)
	backend := sqlBackend(t)

	runAgent(t, bus, "/qnet", regiontime.Factory)
	archive := runAgent(t, bus, "/archive", storage.NewFactory(backend, nil))

	c := client.New(bus, client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	ctx := testutil.TestContextWithTimeout(t, 5*time.Second)
	caps, err := c.WaitForCapabilities(ctx, capability.RoleStore)
	require.NoError(t, err)
	require.Len(t, caps, 1)

	var regionTime *message.Message
	require.Eventually(t, func() bool {
		for _, m := range c.Discover(capability.RoleMeasure) {
			if m.CapabilityName == regiontime.Name {
				regionTime = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	m := c.NewMeasurement(regionTime)
	require.True(t, m.Configure("now||0.05s",
		map[string]any{regiontime.KeyRegion: "Europe/Paris"},
		client.MeasurementOptions{StreamResults: true, RedirectToStorage: true}))
	mid, err := m.MeasurementID()
	require.NoError(t, err)
	topic := message.ResultsTopic(mid)

	require.NoError(t, c.Send(ctx, m))

	require.Eventually(t, func() bool {
		recs, err := backend.List(ctx, topic)
		return err == nil && len(recs) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return m.Storage() != nil }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Interrupt(ctx, m))
	_, ok := testutil.WaitForChannel(m.Storage().Done(), 3*time.Second)
	require.True(t, ok, "store measurement must end with the recorded measurement")
	assert.Eventually(t, func() bool { return bus.Subscribers(topic) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return archive.Supervisor().Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	recs, err := backend.List(ctx, topic)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, "region time", rec.Label)
		var values []map[string]any
		require.NoError(t, json.Unmarshal(rec.Values, &values))
		require.Len(t, values, 1)
		assert.Equal(t, "Europe/Paris", values[0][regiontime.KeyRegion])
	}
}

func TestRedirectToStorage_EndsWithSource(t *testing.T) {
	bus := membus.New(nil)
	backend := sqlBackend(t)

	var n atomic.Int64
	release := make(chan struct{})
	finite := mocks.NewMockCapability("finite").WithFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		v := n.Add(1)
		if v < 3 {
			return v, nil
		}
		return v, capability.ErrDone
	})
	runAgent(t, bus, "/qnet", finite.Factory())
	archive := runAgent(t, bus, "/archive", storage.NewFactory(backend, nil))

	c := client.New(bus, client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	ctx := testutil.TestContextWithTimeout(t, 5*time.Second)
	_, err := c.WaitForCapabilities(ctx, capability.RoleStore)
	require.NoError(t, err)
	caps, err := c.WaitForCapabilities(ctx, capability.RoleMeasure)
	require.NoError(t, err)
	require.Len(t, caps, 1)

	var source *message.Message
	for _, m := range caps {
		source = m
	}

	m := c.NewMeasurement(source)
	require.True(t, m.Configure("now||0.05s", map[string]any{},
		client.MeasurementOptions{StreamResults: true, RedirectToStorage: true}))
	mid, err := m.MeasurementID()
	require.NoError(t, err)
	topic := message.ResultsTopic(mid)

	require.NoError(t, c.Send(ctx, m))

	// Results start once both the client and the store are subscribed.
	require.Eventually(t, func() bool { return bus.Subscribers(topic) == 2 }, 3*time.Second, 5*time.Millisecond)
	close(release)

	_, ok := testutil.WaitForChannel(m.Done(), 3*time.Second)
	require.True(t, ok, "source measurement did not complete")
	require.Eventually(t, func() bool { return m.Storage() != nil }, 2*time.Second, 5*time.Millisecond)
	_, ok = testutil.WaitForChannel(m.Storage().Done(), 3*time.Second)
	require.True(t, ok, "store measurement must end after the source EOF")
	assert.False(t, m.Storage().Interrupted(), "store should finish on its own")

	assert.Eventually(t, func() bool { return archive.Supervisor().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, bus.Subscribers(topic), "store re-subscribed to a finished topic")

	recs, err := backend.List(ctx, topic)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}
