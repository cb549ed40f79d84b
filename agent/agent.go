package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/internal/metrics"
	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/transport"
	"github.com/BaSui01/measurementplane/types"
)

// Config holds agent settings.
type Config struct {
	AdvertiseInterval time.Duration
	AdvertiseRate     float64
	AdvertiseBurst    int
	ShutdownTimeout   time.Duration
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		AdvertiseInterval: 10 * time.Second,
		AdvertiseRate:     50,
		AdvertiseBurst:    10,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Option configures an Agent.
type Option func(*Agent)

// WithCapabilities adds capability factories. Each is built once by New.
func WithCapabilities(factories ...capability.Factory) Option {
	return func(a *Agent) { a.factories = append(a.factories, factories...) }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Agent) { a.metrics = c }
}

// WithClock sets the clock used for timestamps and schedules.
func WithClock(clock func() time.Time) Option {
	return func(a *Agent) {
		if clock != nil {
			a.now = clock
		}
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(a *Agent) { a.config = cfg }
}

// Agent serves capabilities on one endpoint: it advertises them, answers
// specifications and interrupts with receipts and runs measurements.
type Agent struct {
	endpoint  string
	transport transport.Transport
	config    Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	factories    []capability.Factory
	capabilities map[string]capability.Capability
	ordered      []capability.Capability

	supervisor *Supervisor
	advertiser *Advertiser
}

// New builds an agent for endpoint and instantiates its capabilities.
func New(t transport.Transport, endpoint string, opts ...Option) (*Agent, error) {
	if endpoint == "" {
		return nil, types.MissingField(message.FieldEndpoint)
	}
	a := &Agent{
		endpoint:     endpoint,
		transport:    t,
		config:       DefaultConfig(),
		logger:       zap.NewNop(),
		now:          time.Now,
		capabilities: make(map[string]capability.Capability),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "agent"), zap.String("endpoint", endpoint))

	env := capability.Env{Endpoint: endpoint, Transport: t, Logger: a.logger}
	for _, factory := range a.factories {
		c, err := factory(env)
		if err != nil {
			return nil, fmt.Errorf("build capability: %w", err)
		}
		id := capability.IDOf(endpoint, c)
		if _, dup := a.capabilities[id]; dup {
			return nil, types.NewError(types.ErrConfig, "duplicate capability "+c.Descriptor().Name)
		}
		a.capabilities[id] = c
		a.ordered = append(a.ordered, c)
	}
	if len(a.ordered) == 0 {
		return nil, types.NewError(types.ErrNoCapabilities, "agent has no capabilities")
	}

	a.supervisor = NewSupervisor(t, a.logger, a.metrics, a.now)
	a.advertiser = NewAdvertiser(t, endpoint, a.ordered, a.config.AdvertiseInterval,
		rate.Limit(a.config.AdvertiseRate), a.config.AdvertiseBurst, a.logger, a.metrics, a.now)
	return a, nil
}

// Endpoint returns the endpoint the agent serves.
func (a *Agent) Endpoint() string { return a.endpoint }

// Capabilities returns the descriptors of the agent's capabilities.
func (a *Agent) Capabilities() []capability.Descriptor {
	out := make([]capability.Descriptor, 0, len(a.ordered))
	for _, c := range a.ordered {
		out = append(out, c.Descriptor())
	}
	return out
}

// Supervisor returns the agent's measurement supervisor.
func (a *Agent) Supervisor() *Supervisor { return a.supervisor }

// Run listens for specifications and advertises capabilities until ctx is
// done, then stops every measurement.
func (a *Agent) Run(ctx context.Context) error {
	sub, err := a.transport.Subscribe(ctx, message.SpecificationsTopic(a.endpoint), a.handle)
	if err != nil {
		return fmt.Errorf("subscribe to specifications: %w", err)
	}

	a.logger.Info("agent started", zap.Int("capabilities", len(a.ordered)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.advertiser.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	if err := sub.Stop(); err != nil {
		a.logger.Warn("failed to stop specification subscription", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()
	if err := a.supervisor.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("measurements did not stop in time", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	a.logger.Info("agent stopped")
	return runErr
}

// handle processes one delivery on the specifications topic.
func (a *Agent) handle(ctx context.Context, d transport.Delivery) {
	msg, err := message.Decode(d.Body)
	if err != nil {
		a.metrics.RecordDecodeFailure("specifications")
		a.logger.Warn("dropping undecodable message", zap.Error(err))
		return
	}

	switch msg.Kind {
	case message.KindSpecification, message.KindInterrupt:
	default:
		a.logger.Debug("ignoring message", zap.String("kind", string(msg.Kind)))
		return
	}

	c, ok := a.lookup(msg)
	if !ok {
		return
	}
	if _, err := message.OperationID(msg); err != nil {
		a.logger.Warn("dropping message without identity",
			zap.String("kind", string(msg.Kind)),
			zap.Error(err),
		)
		return
	}

	a.sendReceipt(ctx, msg, d.ReplyTo)

	if msg.Kind == message.KindSpecification {
		a.submit(msg, c)
		return
	}
	a.withdraw(msg)
}

func (a *Agent) lookup(msg *message.Message) (capability.Capability, bool) {
	cid, err := message.CapabilityID(msg)
	if err != nil {
		a.logger.Warn("dropping message without capability identity", zap.Error(err))
		return nil, false
	}
	c, ok := a.capabilities[cid]
	if !ok {
		a.logger.Warn("unknown capability",
			zap.String("capability", msg.CapabilityName),
			zap.String("kind", string(msg.Kind)),
		)
		if msg.Kind == message.KindSpecification {
			a.metrics.RecordSpecification(msg.CapabilityName, "unknown_capability")
		} else {
			a.metrics.RecordInterrupt(msg.CapabilityName, "unknown_capability")
		}
		return nil, false
	}
	return c, true
}

func (a *Agent) sendReceipt(ctx context.Context, msg *message.Message, replyTo string) {
	if replyTo == "" {
		a.logger.Warn("no reply-to on message, receipt skipped",
			zap.String("capability", msg.CapabilityName),
			zap.String("kind", string(msg.Kind)),
		)
		return
	}
	body, err := message.Encode(msg.Receipt(a.now()))
	if err != nil {
		a.logger.Error("failed to encode receipt", zap.Error(err))
		return
	}
	if err := a.transport.Publish(ctx, replyTo, body, ""); err != nil {
		a.logger.Warn("failed to send receipt", zap.String("reply_to", replyTo), zap.Error(err))
		return
	}
	a.metrics.RecordReceiptSent()
}

func (a *Agent) submit(spec *message.Message, c capability.Capability) {
	created, err := a.supervisor.Submit(spec, c)
	switch {
	case err != nil:
		a.metrics.RecordSpecification(spec.CapabilityName, "rejected")
		a.logger.Warn("specification rejected",
			zap.String("capability", spec.CapabilityName),
			zap.String("schedule", spec.Schedule),
			zap.Error(err),
		)
	case created:
		a.metrics.RecordSpecification(spec.CapabilityName, "started")
	default:
		a.metrics.RecordSpecification(spec.CapabilityName, "joined")
	}
}

func (a *Agent) withdraw(interrupt *message.Message) {
	if _, err := a.supervisor.Withdraw(interrupt); err != nil {
		a.metrics.RecordInterrupt(interrupt.CapabilityName, "unknown_measurement")
		a.logger.Warn("interrupt not applied",
			zap.String("capability", interrupt.CapabilityName),
			zap.Error(err),
		)
		return
	}
	a.metrics.RecordInterrupt(interrupt.CapabilityName, "withdrawn")
}
