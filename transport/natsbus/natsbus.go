// Package natsbus runs the measurement plane transport over NATS core
// pub/sub. Topics are used verbatim as subjects and the reply-to topic
// travels in the NATS reply field.
package natsbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/transport"
	"github.com/BaSui01/measurementplane/types"
)

// Config holds connection settings.
type Config struct {
	URL  string
	Name string
	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
	Timeout       time.Duration
	DrainTimeout  time.Duration
	// PendingMsgsLimit bounds each subscription's buffer; 0 keeps the nats.go default.
	PendingMsgsLimit int
	// TLS, when set, is required of the server.
	TLS *tls.Config
}

// DefaultConfig returns settings for a local broker that is retried forever.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "mplane",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		PingInterval:  30 * time.Second,
		Timeout:       5 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

// Bus is a Transport backed by one NATS connection.
type Bus struct {
	cfg    Config
	conn   *nats.Conn
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed atomic.Bool

	reconnects atomic.Int64
}

var _ transport.Transport = (*Bus)(nil)

// Connect dials the broker. The returned Bus reconnects on its own according
// to cfg; Publish fails fast while disconnected only if the nats.go reconnect
// buffer is exhausted.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	b := &Bus{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "natsbus"), zap.String("url", cfg.URL)),
		subs:   make(map[*subscription]struct{}),
	}

	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, b.options()...)
		if err != nil {
			done <- err
			return
		}
		b.conn = conn
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, types.NewError(types.ErrTransport, "connect to broker").WithCause(err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				b.conn.Close()
			}
		}()
		return nil, types.NewError(types.ErrTransport, "connect to broker cancelled").WithCause(ctx.Err())
	}

	b.logger.Info("connected to broker", zap.String("server", b.conn.ConnectedUrl()))
	return b, nil
}

func (b *Bus) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.DisconnectErrHandler(b.handleDisconnect),
		nats.ReconnectHandler(b.handleReconnect),
		nats.ClosedHandler(b.handleClosed),
		nats.ErrorHandler(b.handleError),
	}
	if b.cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(b.cfg.ReconnectWait))
	}
	if b.cfg.PingInterval > 0 {
		opts = append(opts, nats.PingInterval(b.cfg.PingInterval))
	}
	if b.cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(b.cfg.Timeout))
	}
	if b.cfg.DrainTimeout > 0 {
		opts = append(opts, nats.DrainTimeout(b.cfg.DrainTimeout))
	}
	if b.cfg.Name != "" {
		opts = append(opts, nats.Name(b.cfg.Name))
	}
	if b.cfg.TLS != nil {
		opts = append(opts, nats.Secure(b.cfg.TLS))
	}
	return opts
}

// Publish sends body to topic. An empty replyTo publishes without a reply subject.
func (b *Bus) Publish(_ context.Context, topic string, body []byte, replyTo string) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	var err error
	if replyTo != "" {
		err = b.conn.PublishMsg(&nats.Msg{Subject: topic, Reply: replyTo, Data: body})
	} else {
		err = b.conn.Publish(topic, body)
	}
	if err != nil {
		return types.NewError(types.ErrTransport, fmt.Sprintf("publish to %s", topic)).WithCause(err)
	}
	return nil
}

// Subscribe registers handler on topic. The handler runs on the nats.go
// delivery goroutine of the subscription, so deliveries arrive in order.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler transport.Handler) (transport.Subscription, error) {
	if b.closed.Load() {
		return nil, transport.ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{bus: b, topic: topic, cancel: cancel}

	ns, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		if subCtx.Err() != nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("subscription handler panicked",
					zap.String("topic", topic),
					zap.Any("panic", r))
			}
		}()
		handler(subCtx, transport.Delivery{Topic: msg.Subject, Body: msg.Data, ReplyTo: msg.Reply})
	})
	if err != nil {
		cancel()
		return nil, types.NewError(types.ErrTransport, fmt.Sprintf("subscribe to %s", topic)).WithCause(err)
	}
	if b.cfg.PendingMsgsLimit > 0 {
		if err := ns.SetPendingLimits(b.cfg.PendingMsgsLimit, -1); err != nil {
			b.logger.Warn("failed to set pending limits", zap.String("topic", topic), zap.Error(err))
		}
	}
	s.sub = ns

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-subCtx.Done()
		_ = s.Stop()
	}()

	return s, nil
}

// Connected reports whether the connection is currently up.
func (b *Bus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Reconnects returns how many times the connection was re-established.
func (b *Bus) Reconnects() int64 {
	return b.reconnects.Load()
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Stop()
	}

	drained := make(chan error, 1)
	go func() {
		drained <- b.conn.Drain()
	}()
	select {
	case err := <-drained:
		if err != nil {
			b.conn.Close()
			return types.NewError(types.ErrTransport, "drain connection").WithCause(err)
		}
		return nil
	case <-ctx.Done():
		b.conn.Close()
		return ctx.Err()
	}
}

func (b *Bus) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn("disconnected from broker", zap.Error(err))
		return
	}
	b.logger.Info("disconnected from broker")
}

func (b *Bus) handleReconnect(c *nats.Conn) {
	b.reconnects.Add(1)
	b.logger.Info("reconnected to broker", zap.String("server", c.ConnectedUrl()))
}

func (b *Bus) handleClosed(_ *nats.Conn) {
	b.logger.Debug("broker connection closed")
}

func (b *Bus) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	fields := []zap.Field{zap.Error(err)}
	if sub != nil {
		fields = append(fields, zap.String("topic", sub.Subject))
	}
	b.logger.Error("broker error", fields...)
}

type subscription struct {
	bus    *Bus
	topic  string
	sub    *nats.Subscription
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Stop() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		if s.sub != nil && s.sub.IsValid() {
			s.err = s.sub.Unsubscribe()
		}
	})
	return s.err
}
