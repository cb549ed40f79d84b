package membus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/transport"
)

func collect(t *testing.T, bus *Bus, topic string) (*[]transport.Delivery, *sync.Mutex, transport.Subscription) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []transport.Delivery
	)
	sub, err := bus.Subscribe(context.Background(), topic, func(_ context.Context, d transport.Delivery) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	})
	require.NoError(t, err)
	return &got, &mu, sub
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close(context.Background())

	got, mu, _ := collect(t, bus, "topic://a")

	for i := 0; i < 100; i++ {
		require.NoError(t, bus.Publish(context.Background(), "topic://a", []byte{byte(i)}, "topic://reply"))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 100
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, d := range *got {
		assert.Equal(t, byte(i), d.Body[0])
		assert.Equal(t, "topic://reply", d.ReplyTo)
		assert.Equal(t, "topic://a", d.Topic)
	}
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	bus := New(nil)
	defer bus.Close(context.Background())

	a, muA, _ := collect(t, bus, "topic://a")
	b, muB, _ := collect(t, bus, "topic://b")

	require.NoError(t, bus.Publish(context.Background(), "topic://a", []byte("x"), ""))
	require.NoError(t, bus.Publish(context.Background(), "topic://nobody", []byte("y"), ""))

	require.Eventually(t, func() bool {
		muA.Lock()
		defer muA.Unlock()
		return len(*a) == 1
	}, time.Second, 5*time.Millisecond)

	muB.Lock()
	assert.Empty(t, *b)
	muB.Unlock()
}

func TestBus_StopFromHandler(t *testing.T) {
	bus := New(nil)
	defer bus.Close(context.Background())

	var (
		sub   transport.Subscription
		count int
		mu    sync.Mutex
	)
	ready := make(chan struct{})
	var err error
	sub, err = bus.Subscribe(context.Background(), "topic://once", func(_ context.Context, _ transport.Delivery) {
		<-ready
		mu.Lock()
		count++
		mu.Unlock()
		_ = sub.Stop()
	})
	require.NoError(t, err)
	close(ready)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), "topic://once", []byte("x"), ""))
	}

	require.Eventually(t, func() bool { return bus.Subscribers("topic://once") == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
	assert.NoError(t, sub.Stop(), "stop is idempotent")
}

func TestBus_ContextCancelUnsubscribes(t *testing.T) {
	bus := New(nil)
	defer bus.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := bus.Subscribe(ctx, "topic://ctx", func(context.Context, transport.Delivery) {})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("topic://ctx"))

	cancel()
	require.Eventually(t, func() bool { return bus.Subscribers("topic://ctx") == 0 }, time.Second, 5*time.Millisecond)
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := New(nil)
	defer bus.Close(context.Background())

	var calls int
	var mu sync.Mutex
	_, err := bus.Subscribe(context.Background(), "topic://p", func(_ context.Context, d transport.Delivery) {
		mu.Lock()
		calls++
		mu.Unlock()
		if string(d.Body) == "boom" {
			panic("boom")
		}
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "topic://p", []byte("boom"), ""))
	require.NoError(t, bus.Publish(context.Background(), "topic://p", []byte("ok"), ""))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBus_Close(t *testing.T) {
	bus := New(nil)
	_, err := bus.Subscribe(context.Background(), "topic://c", func(context.Context, transport.Delivery) {})
	require.NoError(t, err)

	require.NoError(t, bus.Close(context.Background()))
	require.NoError(t, bus.Close(context.Background()))

	assert.ErrorIs(t, bus.Publish(context.Background(), "topic://c", nil, ""), transport.ErrClosed)
	_, err = bus.Subscribe(context.Background(), "topic://c", func(context.Context, transport.Delivery) {})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestBus_PublishCopiesBody(t *testing.T) {
	bus := New(nil)
	defer bus.Close(context.Background())

	got, mu, _ := collect(t, bus, "topic://copy")
	body := []byte("abc")
	require.NoError(t, bus.Publish(context.Background(), "topic://copy", body, ""))
	body[0] = 'z'

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "abc", string((*got)[0].Body))
}
