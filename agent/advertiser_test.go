package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/internal/metrics"
	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/testutil/fixtures"
	"github.com/BaSui01/measurementplane/testutil/mocks"
)

func advertisedName(name string) any {
	return mock.MatchedBy(func(body []byte) bool {
		m, err := message.Decode(body)
		return err == nil && m.Kind == message.KindCapability && m.CapabilityName == name
	})
}

func TestAdvertiser_FailureDoesNotStopOthers(t *testing.T) {
	tr := &mocks.MockTransport{}
	tr.On("Publish", mock.Anything, message.CapabilitiesTopic, advertisedName("broken"), "").
		Return(errors.New("broker unavailable"))
	tr.On("Publish", mock.Anything, message.CapabilitiesTopic, advertisedName("probe"), "").
		Return(nil)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry("test", reg, nil)
	caps := []capability.Capability{
		mocks.NewMockCapability("broken"),
		mocks.NewMockCapability("probe"),
	}
	a := NewAdvertiser(tr, fixtures.Endpoint, caps, time.Hour, rate.Inf, 1, nil, collector, nil)

	assert.Equal(t, 1, a.Advertise(context.Background()))
	tr.AssertNumberOfCalls(t, "Publish", 2)

	count, err := promtestutil.GatherAndCount(reg, "test_advertisements_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAdvertiser_RunRepeats(t *testing.T) {
	var published atomic.Int32
	tr := &mocks.MockTransport{}
	tr.On("Publish", mock.Anything, message.CapabilitiesTopic, advertisedName("probe"), "").
		Run(func(mock.Arguments) { published.Add(1) }).
		Return(nil)

	caps := []capability.Capability{mocks.NewMockCapability("probe")}
	a := NewAdvertiser(tr, fixtures.Endpoint, caps, 10*time.Millisecond, rate.Inf, 1, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return published.Load() >= 3
	}, waitFor, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestAdvertiser_FreshTimestampsSameIdentity(t *testing.T) {
	var bodies [][]byte
	tr := &mocks.MockTransport{}
	tr.On("Publish", mock.Anything, message.CapabilitiesTopic, mock.Anything, "").
		Run(func(args mock.Arguments) { bodies = append(bodies, args.Get(2).([]byte)) }).
		Return(nil)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	clock := func() time.Time { return now }
	caps := []capability.Capability{mocks.NewMockCapability("probe")}
	a := NewAdvertiser(tr, fixtures.Endpoint, caps, time.Hour, rate.Inf, 1, nil, nil, clock)

	a.Advertise(context.Background())
	now = now.Add(10 * time.Second)
	a.Advertise(context.Background())
	require.Len(t, bodies, 2)

	first, err := message.Decode(bodies[0])
	require.NoError(t, err)
	second, err := message.Decode(bodies[1])
	require.NoError(t, err)

	assert.Equal(t, "2026-03-01 09:00:00.00", first.Timestamp)
	assert.Equal(t, "2026-03-01 09:00:10.00", second.Timestamp)
	firstID, _ := message.CapabilityID(first)
	secondID, _ := message.CapabilityID(second)
	assert.Equal(t, firstID, secondID)
}

func TestAdvertiser_CancelledContextStops(t *testing.T) {
	tr := &mocks.MockTransport{}
	caps := []capability.Capability{mocks.NewMockCapability("probe")}
	a := NewAdvertiser(tr, fixtures.Endpoint, caps, time.Hour, rate.Limit(1), 1, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, a.Advertise(ctx))
	tr.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
