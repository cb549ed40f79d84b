// Package latency provides the tcp_latency capability, which measures TCP
// connect round-trip time to a host.
package latency

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/types"
)

// Name is the capability name.
const Name = "tcp_latency"

const (
	defaultTimeout = 2 * time.Second
	maxCount       = 10
)

// DialFunc opens a connection; it matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Capability probes TCP connect latency.
type Capability struct {
	dial DialFunc
	now  func() time.Time
}

// New creates the capability. A nil dial uses net.Dialer.
func New(dial DialFunc) *Capability {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	return &Capability{dial: dial, now: time.Now}
}

// Factory builds the capability for an agent.
func Factory(capability.Env) (capability.Capability, error) {
	return New(nil), nil
}

// Descriptor implements capability.Capability.
func (c *Capability) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Role:  capability.RoleMeasure,
		Label: "tcp latency",
		Name:  Name,
		ParametersSchema: map[string]any{
			"type":     "object",
			"required": []any{"host", "port"},
			"properties": map[string]any{
				"host": map[string]any{"type": "string", "minLength": 1},
				"port": map[string]any{"type": "integer", "minimum": 1, "maximum": 65535},
				"count": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     maxCount,
					"description": "Connections per execution",
				},
				"timeout": map[string]any{
					"type":        "number",
					"minimum":     0.01,
					"description": "Per-connection timeout in seconds",
				},
			},
		},
		ResultSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"address": map[string]any{"type": "string"},
				"rtt_ms":  map[string]any{"type": "number"},
				"min_ms":  map[string]any{"type": "number"},
				"max_ms":  map[string]any{"type": "number"},
				"samples": map[string]any{"type": "integer"},
				"failed":  map[string]any{"type": "integer"},
			},
		},
	}
}

// Execute implements capability.Capability. It fails only when every
// connection attempt fails.
func (c *Capability) Execute(ctx context.Context, params map[string]any) (any, error) {
	host, _ := params["host"].(string)
	if host == "" {
		return nil, types.MissingField("host")
	}
	port, ok := intParam(params["port"])
	if !ok || port < 1 || port > 65535 {
		return nil, types.NewError(types.ErrValidation, "port must be an integer in 1..65535").WithField("port")
	}
	count := 1
	if v, present := params["count"]; present {
		n, ok := intParam(v)
		if !ok || n < 1 || n > maxCount {
			return nil, types.NewError(types.ErrValidation, fmt.Sprintf("count must be in 1..%d", maxCount)).WithField("count")
		}
		count = n
	}
	timeout := defaultTimeout
	if v, ok := params["timeout"].(float64); ok && v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	var (
		sum, lo, hi float64
		samples     int
		lastErr     error
	)
	lo = math.Inf(1)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rtt, err := c.probe(ctx, address, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		ms := float64(rtt) / float64(time.Millisecond)
		sum += ms
		lo = math.Min(lo, ms)
		hi = math.Max(hi, ms)
		samples++
	}
	if samples == 0 {
		return nil, types.NewError(types.ErrTaskFailed, "connect "+address).WithCause(lastErr)
	}

	return map[string]any{
		"address": address,
		"rtt_ms":  sum / float64(samples),
		"min_ms":  lo,
		"max_ms":  hi,
		"samples": samples,
		"failed":  count - samples,
	}, nil
}

func (c *Capability) probe(ctx context.Context, address string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	conn, err := c.dial(ctx, "tcp", address)
	if err != nil {
		return 0, err
	}
	rtt := c.now().Sub(start)
	_ = conn.Close()
	return rtt, nil
}

func intParam(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
