// Package membus is an in-process Transport. Each subscription owns a queue
// and one delivery goroutine, so a slow handler never blocks publishers or
// other subscriptions.
package membus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/transport"
)

// Bus is an in-memory topic bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string]map[*subscription]struct{}),
		logger: logger.With(zap.String("component", "membus")),
	}
}

var _ transport.Transport = (*Bus)(nil)

// Publish enqueues body on every current subscriber of topic. Publishing to a
// topic nobody listens on is not an error.
func (b *Bus) Publish(_ context.Context, topic string, body []byte, replyTo string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return transport.ErrClosed
	}

	payload := append([]byte(nil), body...)
	for s := range b.subs[topic] {
		s.enqueue(transport.Delivery{Topic: topic, Body: payload, ReplyTo: replyTo})
	}
	return nil
}

// Subscribe registers handler on topic until the subscription is stopped or
// ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler transport.Handler) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		bus:     b,
		topic:   topic,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][s] = struct{}{}

	b.wg.Add(1)
	go s.loop()
	return s, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close stops every subscription and waits for in-flight handlers.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
}

type subscription struct {
	bus     *Bus
	topic   string
	handler transport.Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	queue []transport.Delivery
	wake  chan struct{}
	once  sync.Once
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Stop() error {
	s.once.Do(func() {
		s.bus.remove(s)
		s.cancel()
	})
	return nil
}

func (s *subscription) enqueue(d transport.Delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) loop() {
	defer s.bus.wg.Done()
	defer s.Stop()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		d := s.queue[0]
		s.queue[0] = transport.Delivery{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			return
		}
		s.deliver(d)
	}
}

func (s *subscription) deliver(d transport.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("subscription handler panicked",
				zap.String("topic", s.topic),
				zap.Any("panic", r))
		}
	}()
	s.handler(s.ctx, d)
}
