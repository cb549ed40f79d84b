package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/client"
	"github.com/BaSui01/measurementplane/config"
	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/transport"
)

func clientConfig(cfg config.ClientConfig) client.Config {
	cc := client.DefaultConfig()
	if cfg.CapabilityTimeout > 0 {
		cc.Registry.Timeout = cfg.CapabilityTimeout
	}
	if cfg.SweepInterval > 0 {
		cc.Registry.SweepInterval = cfg.SweepInterval
	}
	if cfg.ReceiptTimeout > 0 {
		cc.ReceiptTimeout = cfg.ReceiptTimeout
	}
	return cc
}

// startClient connects to the broker and starts discovery. The returned
// cleanup closes both.
func startClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*client.Client, func(), error) {
	bus, err := connectBus(ctx, cfg.Broker, logger)
	if err != nil {
		return nil, nil, err
	}
	c := newClient(bus, cfg, logger)
	if err := c.Start(ctx); err != nil {
		closeBus(bus, cfg.Broker.DrainTimeout, logger)
		return nil, nil, err
	}
	return c, func() {
		_ = c.Close()
		closeBus(bus, cfg.Broker.DrainTimeout, logger)
	}, nil
}

func newClient(t transport.Transport, cfg *config.Config, logger *zap.Logger) *client.Client {
	return client.New(t, client.WithLogger(logger), client.WithConfig(clientConfig(cfg.Client)))
}

// =============================================================================
// discover
// =============================================================================

func runDiscover(args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	common.register(fs)
	role := fs.String("role", "", "Only list capabilities of this role")
	wait := fs.Duration("wait", 3*time.Second, "How long to collect advertisements")
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, cleanup, err := startClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	select {
	case <-ctx.Done():
	case <-time.After(*wait):
	}

	var roles []string
	if *role != "" {
		roles = append(roles, *role)
	}
	printCapabilities(os.Stdout, c.Discover(roles...))
	return nil
}

func printCapabilities(w io.Writer, caps map[string]*message.Message) {
	rows := make([]*message.Message, 0, len(caps))
	for _, m := range caps {
		rows = append(rows, m)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Endpoint != rows[j].Endpoint {
			return rows[i].Endpoint < rows[j].Endpoint
		}
		return rows[i].CapabilityName < rows[j].CapabilityName
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tCAPABILITY\tROLE\tLABEL")
	for _, m := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Endpoint, m.CapabilityName, m.Role, m.Label)
	}
	_ = tw.Flush()
}

// =============================================================================
// measure
// =============================================================================

type measureFlags struct {
	capability string
	endpoint   string
	params     string
	schedule   string
	duration   time.Duration
	store      bool
	wait       time.Duration
}

func (f *measureFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.capability, "capability", "", "Capability name")
	fs.StringVar(&f.endpoint, "endpoint", "", "Only use the capability served from this endpoint")
	fs.StringVar(&f.params, "params", "{}", "Parameters as a JSON object")
	fs.StringVar(&f.schedule, "schedule", "now|", "Schedule start|stop|mode")
	fs.DurationVar(&f.duration, "duration", 0, "Interrupt after this long; 0 waits for EOF")
	fs.BoolVar(&f.store, "store", false, "Persist results through a store capability")
	fs.DurationVar(&f.wait, "wait", 10*time.Second, "How long to wait for the capability to be advertised")
}

func (f *measureFlags) parameters() (map[string]any, error) {
	params := map[string]any{}
	if err := json.Unmarshal([]byte(f.params), &params); err != nil {
		return nil, fmt.Errorf("--params must be a JSON object: %w", err)
	}
	return params, nil
}

// findCapability waits until a capability matching name and, when set,
// endpoint is advertised.
func findCapability(ctx context.Context, c *client.Client, name, endpoint string) (*message.Message, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		ids := make([]string, 0)
		caps := c.Discover()
		for id, m := range caps {
			if m.CapabilityName == name && (endpoint == "" || m.Endpoint == endpoint) {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			sort.Strings(ids)
			return caps[ids[0]], nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("capability %q not advertised: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func runMeasure(args []string) error {
	var (
		common commonFlags
		mf     measureFlags
	)
	fs := flag.NewFlagSet("measure", flag.ExitOnError)
	common.register(fs)
	mf.register(fs)
	_ = fs.Parse(args)

	if mf.capability == "" {
		return fmt.Errorf("--capability is required")
	}
	params, err := mf.parameters()
	if err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, cleanup, err := startClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return measure(ctx, c, mf, params, os.Stdout, cfg.Client.RedirectToStorage)
}

// measure runs one measurement and writes each result value to out as a
// JSON line.
func measure(ctx context.Context, c *client.Client, mf measureFlags, params map[string]any, out io.Writer, storeByDefault bool) error {
	waitCtx, cancel := context.WithTimeout(ctx, mf.wait)
	adv, err := findCapability(waitCtx, c, mf.capability, mf.endpoint)
	cancel()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	m := c.NewMeasurement(adv)
	ok := m.Configure(mf.schedule, params, client.MeasurementOptions{
		StreamResults:     true,
		RedirectToStorage: mf.store || storeByDefault,
		OnResult: func(values []any) {
			for _, v := range values {
				_ = enc.Encode(v)
			}
		},
	})
	if !ok {
		return m.Err()
	}

	if err := c.Send(ctx, m); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if mf.duration > 0 {
		timer := time.NewTimer(mf.duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-m.Done():
		return nil
	case <-timeout:
	case <-ctx.Done():
	}

	ictx, icancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer icancel()
	return c.Interrupt(ictx, m)
}
