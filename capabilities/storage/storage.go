package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/config"
	"github.com/BaSui01/measurementplane/internal/cache"
	"github.com/BaSui01/measurementplane/internal/database"
	"github.com/BaSui01/measurementplane/internal/metrics"
	"github.com/BaSui01/measurementplane/internal/migration"
	"github.com/BaSui01/measurementplane/internal/tlsutil"
	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/transport"
	"github.com/BaSui01/measurementplane/types"
)

// Name is the capability name.
const Name = "result_store"

const migrateTimeout = time.Minute

// Commands accepted in the "command" parameter.
const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// Record is one persisted result message.
type Record struct {
	ID        string
	Topic     string
	Label     string
	Values    json.RawMessage
	Timestamp string
	StoredAt  time.Time
}

// Backend persists records.
type Backend interface {
	Name() string
	Store(ctx context.Context, rec Record) error
	// List returns the records of topic in storage order.
	List(ctx context.Context, topic string) ([]Record, error)
	// Prune removes records of topic and reports how many were removed.
	Prune(ctx context.Context, topic string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.Storage.Backend. The SQL schema is
// migrated first when cfg.Database.AutoMigrate is set.
func Open(cfg *config.Config, logger *zap.Logger) (Backend, error) {
	switch cfg.Storage.Backend {
	case "", "sql":
		if cfg.Database.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
			_, err := migration.Apply(ctx, cfg.Database, logger)
			cancel()
			if err != nil {
				return nil, types.NewError(types.ErrStorage, "migrate results schema").WithCause(err)
			}
		}
		pm, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		b, err := NewSQLBackend(pm)
		if err != nil {
			_ = pm.Close()
			return nil, err
		}
		return b, nil
	case "redis":
		cc := cache.ConfigFrom(cfg.Redis, cfg.Storage)
		tc, err := tlsutil.ClientConfig(cfg.Redis.TLS)
		if err != nil {
			return nil, types.NewError(types.ErrConfig, "redis tls").WithCause(err)
		}
		cc.TLS = tc
		m, err := cache.NewManager(cc, logger)
		if err != nil {
			return nil, err
		}
		return NewRedisBackend(m, cfg.Storage.KeyPrefix), nil
	default:
		return nil, types.NewError(types.ErrConfig, fmt.Sprintf("unknown storage backend %q", cfg.Storage.Backend))
	}
}

// Capability records the results published on a topic.
type Capability struct {
	backend   Backend
	transport transport.Transport
	logger    *zap.Logger
	collector *metrics.Collector
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// New creates the capability. A nil clock uses time.Now.
func New(backend Backend, t transport.Transport, logger *zap.Logger, collector *metrics.Collector, clock func() time.Time) *Capability {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Capability{
		backend:   backend,
		transport: t,
		logger:    logger.With(zap.String("component", "result_store"), zap.String("backend", backend.Name())),
		collector: collector,
		now:       clock,
		sessions:  make(map[string]context.CancelFunc),
	}
}

// NewFactory returns a Factory that binds backend to the agent's transport.
func NewFactory(backend Backend, collector *metrics.Collector) capability.Factory {
	return func(env capability.Env) (capability.Capability, error) {
		if env.Transport == nil {
			return nil, types.NewError(types.ErrConfig, "result store needs a transport")
		}
		return New(backend, env.Transport, env.Logger, collector, nil), nil
	}
}

// Descriptor implements capability.Capability.
func (c *Capability) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Role:  capability.RoleStore,
		Label: "result store",
		Name:  Name,
		ParametersSchema: map[string]any{
			"type":     "object",
			"required": []any{"topic", "command"},
			"properties": map[string]any{
				"label": map[string]any{
					"type":        "string",
					"description": "Label of the stored measurement",
				},
				"topic": map[string]any{
					"type":        "string",
					"description": "Results topic to record",
				},
				"command": map[string]any{
					"type": "string",
					"enum": []any{CommandStart, CommandStop},
				},
			},
		},
		ResultSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic":  map[string]any{"type": "string"},
				"stored": map[string]any{"type": "integer"},
			},
		},
		Metadata: map[string]any{"backend": c.backend.Name()},
	}
}

// Execute implements capability.Capability. "start" records the topic until
// its EOF result, a matching "stop" or ctx is done; "stop" ends an active
// recording. A recording that saw the EOF returns capability.ErrDone with
// its summary so a repeating store measurement does not subscribe to the
// finished topic again.
func (c *Capability) Execute(ctx context.Context, params map[string]any) (any, error) {
	topic, _ := params["topic"].(string)
	if topic == "" {
		return nil, types.NewError(types.ErrMissingField, "topic is required").WithField("topic")
	}
	label, _ := params["label"].(string)
	command, _ := params["command"].(string)

	switch command {
	case CommandStart:
		return c.record(ctx, topic, label)
	case CommandStop:
		return map[string]any{"topic": topic, "stopped": c.stop(topic)}, nil
	default:
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown command %q", command)).WithField("command")
	}
}

func (c *Capability) record(ctx context.Context, topic, label string) (any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if _, busy := c.sessions[topic]; busy {
		c.mu.Unlock()
		return nil, types.NewError(types.ErrStorage, "topic is already being recorded").WithField("topic")
	}
	c.sessions[topic] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.sessions, topic)
		c.mu.Unlock()
	}()

	var (
		stored atomic.Int64
		eof    = make(chan struct{})
		once   sync.Once
	)
	sub, err := c.transport.Subscribe(ctx, topic, func(_ context.Context, d transport.Delivery) {
		m, err := message.Decode(d.Body)
		if err != nil || m.Kind != message.KindResult {
			return
		}
		if m.IsEOF() {
			once.Do(func() { close(eof) })
			return
		}
		if err := c.store(ctx, topic, label, m); err != nil {
			c.logger.Warn("failed to store result", zap.String("topic", topic), zap.Error(err))
			return
		}
		stored.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.logger.Info("recording results", zap.String("topic", topic), zap.String("label", label))

	var ended bool
	select {
	case <-eof:
		ended = true
	case <-ctx.Done():
	}
	_ = sub.Stop()

	n := stored.Load()
	c.logger.Info("recording finished",
		zap.String("topic", topic),
		zap.Int64("stored", n),
		zap.Bool("eof", ended),
	)
	summary := map[string]any{"topic": topic, "stored": n}
	if ended {
		return summary, capability.ErrDone
	}
	return summary, nil
}

func (c *Capability) store(ctx context.Context, topic, label string, m *message.Message) error {
	values, err := json.Marshal(m.ResultValues)
	if err != nil {
		return fmt.Errorf("encode values: %w", err)
	}
	rec := Record{
		ID:        uuid.NewString(),
		Topic:     topic,
		Label:     label,
		Values:    values,
		Timestamp: m.Timestamp,
		StoredAt:  c.now().UTC(),
	}
	if err := c.backend.Store(ctx, rec); err != nil {
		return err
	}
	c.collector.RecordResultStored(c.backend.Name())
	return nil
}

func (c *Capability) stop(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.sessions[topic]
	if ok {
		cancel()
	}
	return ok
}

// Recording reports whether topic is being recorded.
func (c *Capability) Recording(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[topic]
	return ok
}
