package agent

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/internal/metrics"
	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/transport"
)

// Advertiser periodically publishes an agent's capabilities so clients can
// discover them before their registry entries go stale.
type Advertiser struct {
	transport    transport.Transport
	endpoint     string
	capabilities []capability.Capability
	interval     time.Duration
	limiter      *rate.Limiter
	logger       *zap.Logger
	metrics      *metrics.Collector
	now          func() time.Time
}

// NewAdvertiser creates an advertiser for caps served from endpoint.
// Publishes within one round are paced by limit and burst.
func NewAdvertiser(t transport.Transport, endpoint string, caps []capability.Capability, interval time.Duration, limit rate.Limit, burst int, logger *zap.Logger, collector *metrics.Collector, clock func() time.Time) *Advertiser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	if burst < 1 {
		burst = 1
	}
	return &Advertiser{
		transport:    t,
		endpoint:     endpoint,
		capabilities: caps,
		interval:     interval,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger.With(zap.String("component", "advertiser")),
		metrics:      collector,
		now:          clock,
	}
}

// Advertise publishes every capability once and returns how many publishes
// succeeded. A failure is logged and does not stop the others.
func (a *Advertiser) Advertise(ctx context.Context) int {
	published := 0
	for _, c := range a.capabilities {
		if err := a.limiter.Wait(ctx); err != nil {
			return published
		}

		d := c.Descriptor()
		err := a.publish(ctx, d)
		a.metrics.RecordAdvertisement(err)
		if err != nil {
			a.logger.Warn("failed to advertise capability",
				zap.String("capability", d.Name),
				zap.Error(err),
			)
			continue
		}
		published++
	}
	return published
}

func (a *Advertiser) publish(ctx context.Context, d capability.Descriptor) error {
	body, err := message.Encode(capability.Advertisement(a.endpoint, d, a.now()))
	if err != nil {
		return err
	}
	return a.transport.Publish(ctx, message.CapabilitiesTopic, body, "")
}

// Run advertises immediately and then every interval until ctx is done.
func (a *Advertiser) Run(ctx context.Context) error {
	a.logger.Info("advertising capabilities",
		zap.String("endpoint", a.endpoint),
		zap.Int("capabilities", len(a.capabilities)),
		zap.Duration("interval", a.interval),
	)

	a.Advertise(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Advertise(ctx)
		}
	}
}
