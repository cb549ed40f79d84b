package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/internal/metrics"
	"github.com/BaSui01/measurementplane/internal/telemetry"
	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/schedule"
	"github.com/BaSui01/measurementplane/transport"
	"github.com/BaSui01/measurementplane/types"
)

// Config holds client settings.
type Config struct {
	Registry       RegistryConfig
	ReceiptTimeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Registry:       DefaultRegistryConfig(),
		ReceiptTimeout: 5 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Client) { c.metrics = collector }
}

// WithClock sets the clock used for timestamps and registry expiry.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(c *Client) { c.config = cfg }
}

// Client discovers capabilities and runs measurements against them.
type Client struct {
	transport transport.Transport
	config    Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	now       func() time.Time

	registry *Registry

	// ctx bounds result subscriptions, which outlive the Send call.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	capsSub transport.Subscription
}

// New creates a client on t. Call Start to begin discovery.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		config:    DefaultConfig(),
		logger:    zap.NewNop(),
		tracer:    telemetry.Tracer("client"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.ReceiptTimeout <= 0 {
		c.config.ReceiptTimeout = DefaultConfig().ReceiptTimeout
	}
	c.logger = c.logger.With(zap.String("component", "client"))
	c.registry = NewRegistry(c.config.Registry, c.logger, c.metrics, c.now)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Registry returns the client's capability registry.
func (c *Client) Registry() *Registry { return c.registry }

// Start subscribes to capability advertisements and starts evicting stale
// ones.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("client already started")
	}

	sub, err := c.transport.Subscribe(c.ctx, message.CapabilitiesTopic, c.onCapability)
	if err != nil {
		return fmt.Errorf("subscribe to capabilities: %w", err)
	}
	c.capsSub = sub
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.registry.Run(c.ctx)
	}()

	c.logger.Info("client started")
	return nil
}

// Run starts the client and blocks until ctx is done, then closes it.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Close()
}

// Close stops discovery and every open result subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	sub := c.capsSub
	c.capsSub = nil
	c.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Stop()
	}
	c.cancel()
	c.wg.Wait()
	return err
}

func (c *Client) onCapability(_ context.Context, d transport.Delivery) {
	msg, err := message.Decode(d.Body)
	if err != nil {
		c.metrics.RecordDecodeFailure("capabilities")
		c.logger.Warn("dropping undecodable advertisement", zap.Error(err))
		return
	}
	if msg.Kind != message.KindCapability {
		return
	}
	if _, err := c.registry.Upsert(msg); err != nil {
		c.logger.Warn("dropping advertisement", zap.Error(err))
	}
}

// Discover returns the known capabilities, optionally filtered by role.
func (c *Client) Discover(roles ...string) map[string]*message.Message {
	return c.registry.Query(roles...)
}

// WaitForCapabilities blocks until at least one capability with one of
// roles is known. It fails with NO_CAPABILITIES when ctx ends first.
func (c *Client) WaitForCapabilities(ctx context.Context, roles ...string) (map[string]*message.Message, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if caps := c.Discover(roles...); len(caps) > 0 {
			return caps, nil
		}
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrNoCapabilities, "no capabilities discovered").WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}

// NewMeasurement starts an unconfigured measurement of capability.
func (c *Client) NewMeasurement(capability *message.Message) *Measurement {
	return newMeasurement(capability, c.now)
}

// Send publishes the measurement's specification and waits for the agent's
// receipt. Results are then delivered through the measurement's options
// until EOF.
func (c *Client) Send(ctx context.Context, m *Measurement) error {
	if !m.Valid() {
		c.logger.Warn("refusing to send invalid measurement", zap.Error(m.Err()))
		return types.NewError(types.ErrInvalidMeasurement, "measurement is not valid").WithCause(m.Err())
	}

	spec := m.Specification()
	mid, err := message.MeasurementID(spec)
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "measurement.send",
		trace.WithAttributes(telemetry.SpecAttributes(spec, mid)...))
	defer span.End()

	// Subscribing before the specification is published means results
	// emitted right after the receipt are not missed.
	owner := m.claim()
	if owner {
		sub, err := c.transport.Subscribe(c.ctx, message.ResultsTopic(mid), c.onResult(m))
		if err != nil {
			m.release()
			span.SetStatus(codes.Error, err.Error())
			return types.NewError(types.ErrTransport, "subscribe to results").WithCause(err)
		}
		m.attach(sub)
	}

	receipt, err := c.request(ctx, spec, "specification")
	if err != nil {
		if owner {
			m.release()
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if receipt.Interrupted() {
		m.markInterrupted()
		m.finish(false)
		return nil
	}

	if owner && m.opts().RedirectToStorage {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.redirectToStorage(m, spec, mid)
		}()
	}
	return nil
}

// Interrupt withdraws the measurement's operation from its agent and tears
// down the local results subscription.
func (c *Client) Interrupt(ctx context.Context, m *Measurement) error {
	if !m.Valid() {
		return types.NewError(types.ErrInvalidMeasurement, "measurement is not valid").WithCause(m.Err())
	}

	interrupt := m.Specification().AsInterrupt()
	m.finish(false)
	c.endStorage(m)

	receipt, err := c.request(ctx, interrupt, "interrupt")
	if err != nil {
		return err
	}
	if receipt.Interrupted() {
		m.markInterrupted()
	}
	return nil
}

// request publishes msg to its endpoint with a fresh reply topic and waits
// for the matching receipt.
func (c *Client) request(ctx context.Context, msg *message.Message, kind string) (*message.Message, error) {
	mid, err := message.MeasurementID(msg)
	if err != nil {
		return nil, err
	}

	receipts := make(chan *message.Message, 1)
	reply := message.ReplyTopic()
	sub, err := c.transport.Subscribe(ctx, reply, func(_ context.Context, d transport.Delivery) {
		r, err := message.Decode(d.Body)
		if err != nil {
			c.metrics.RecordDecodeFailure("receipts")
			c.logger.Warn("dropping undecodable receipt", zap.Error(err))
			return
		}
		if r.Kind != message.KindReceipt || r.Nonce != msg.Nonce {
			return
		}
		if rid, err := message.MeasurementID(r); err != nil || rid != mid {
			return
		}
		select {
		case receipts <- r:
		default:
		}
	})
	if err != nil {
		return nil, types.NewError(types.ErrTransport, "subscribe to reply topic").WithCause(err)
	}
	defer func() { _ = sub.Stop() }()

	body, err := message.Encode(msg)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	if err := c.transport.Publish(ctx, message.SpecificationsTopic(msg.Endpoint), body, reply); err != nil {
		return nil, types.NewError(types.ErrTransport, "publish "+kind).WithCause(err)
	}

	timer := time.NewTimer(c.config.ReceiptTimeout)
	defer timer.Stop()

	select {
	case r := <-receipts:
		c.metrics.RecordReceipt(kind, time.Since(started), false)
		return r, nil
	case <-timer.C:
		c.metrics.RecordReceipt(kind, time.Since(started), true)
		c.logger.Warn("no receipt",
			zap.String("kind", kind),
			zap.String("endpoint", msg.Endpoint),
			zap.String("capability", msg.CapabilityName),
			zap.Duration("timeout", c.config.ReceiptTimeout),
		)
		return nil, types.NewError(types.ErrTimeout, fmt.Sprintf("no receipt for %s within %s", kind, c.config.ReceiptTimeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) onResult(m *Measurement) transport.Handler {
	return func(_ context.Context, d transport.Delivery) {
		msg, err := message.Decode(d.Body)
		if err != nil {
			c.metrics.RecordDecodeFailure("results")
			c.logger.Warn("dropping undecodable result", zap.Error(err))
			return
		}
		if msg.Kind != message.KindResult {
			return
		}
		if msg.IsEOF() {
			m.finish(true)
			c.endStorage(m)
			return
		}
		c.metrics.RecordResultReceived()
		m.deliver(msg.ResultValues)
	}
}

// redirectToStorage sends a store measurement that persists the results of
// mid. Failures are logged; the caller's own results are unaffected.
func (c *Client) redirectToStorage(m *Measurement, spec *message.Message, mid string) {
	stores := c.Discover(capability.RoleStore)
	if len(stores) == 0 {
		c.logger.Warn("no store capability for result redirection", zap.String("measurement_id", mid))
		return
	}
	ids := make([]string, 0, len(stores))
	for id := range stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	store := stores[ids[0]]

	sm := c.NewMeasurement(store)
	params := map[string]any{
		"label":   spec.Label,
		"topic":   message.ResultsTopic(mid),
		"command": "start",
	}
	if !sm.Configure(schedule.StripStream(spec.Schedule), params, MeasurementOptions{StreamResults: true}) {
		c.logger.Warn("store measurement rejected",
			zap.String("measurement_id", mid),
			zap.Error(sm.Err()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 2*c.config.ReceiptTimeout)
	defer cancel()
	if err := c.Send(ctx, sm); err != nil {
		c.logger.Warn("failed to redirect results to storage",
			zap.String("measurement_id", mid),
			zap.String("store", store.Endpoint),
			zap.Error(err),
		)
		return
	}
	c.logger.Info("results redirected to storage",
		zap.String("measurement_id", mid),
		zap.String("store", store.Endpoint),
	)
	if m.setStorage(sm) {
		c.endStorage(m)
	}
}

// endStorage ends the store measurement of a finished measurement. The store
// normally completes on its own once it records the EOF; if it has not
// within the receipt timeout it is interrupted, which covers a source that
// went away without publishing one.
func (c *Client) endStorage(m *Measurement) {
	sm := m.releaseStorage()
	if sm == nil {
		return
	}
	go func() {
		timer := time.NewTimer(c.config.ReceiptTimeout)
		defer timer.Stop()
		select {
		case <-sm.Done():
			return
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(c.ctx, 2*c.config.ReceiptTimeout)
		defer cancel()
		if err := c.Interrupt(ctx, sm); err != nil {
			c.logger.Warn("failed to interrupt store measurement", zap.Error(err))
			return
		}
		c.logger.Info("store measurement interrupted",
			zap.String("store", sm.Specification().Endpoint),
		)
	}()
}
