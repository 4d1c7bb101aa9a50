// Package orchestrator wires the filter engine, transformer, and output
// forwarders together and drives the relay's start/stop lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaylabs/syslog-relay/internal/config"
	"github.com/relaylabs/syslog-relay/internal/filter"
	"github.com/relaylabs/syslog-relay/internal/forwarder"
	"github.com/relaylabs/syslog-relay/internal/listener"
	"github.com/relaylabs/syslog-relay/internal/metrics"
	"github.com/relaylabs/syslog-relay/internal/syslogmsg"
	"github.com/relaylabs/syslog-relay/internal/transform"
)

// State is one of the orchestrator lifecycle states.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrFatalStart is returned by Start when a component failed to come up in
// a way that cannot be recovered from (e.g. a socket bind failure); the
// caller is expected to exit with a non-zero status.
var ErrFatalStart = errors.New("orchestrator: fatal start failure")

type input struct {
	name string
	udp  *listener.UDP
	tcp  *listener.TCP
}

// Orchestrator owns every listener and forwarder and runs the
// filter → transform → fan-out pipeline for each received message.
type Orchestrator struct {
	Logger *slog.Logger

	mu     sync.Mutex
	state  State
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inputs       []input
	forwarders   map[string]forwarder.Forwarder
	filterEngine *filter.Engine
	transformer  *transform.Engine
	metricsSrv   *metrics.Server
}

// New builds an Orchestrator from a validated Config. It does not start
// anything; call Start to bring the relay up.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	filterEngine, err := filter.New(config.FilterRules(cfg))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: filter engine: %w", err)
	}
	transformEngine, err := transform.New(config.TransformDescriptors(cfg))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: transform engine: %w", err)
	}

	o := &Orchestrator{
		Logger:       logger,
		state:        Stopped,
		forwarders:   make(map[string]forwarder.Forwarder),
		filterEngine: filterEngine,
		transformer:  transformEngine,
	}

	for _, d := range cfg.Destinations {
		retry := forwarder.Retry{MaxAttempts: d.Retry.MaxAttempts, BackoffSeconds: d.Retry.BackoffSeconds}
		format := resolveFormat(d.Format)
		switch d.Protocol {
		case config.ProtocolUDP:
			o.forwarders[d.Name] = forwarder.NewUDPForwarder(d.Name, d.Address, format, retry, logger)
		case config.ProtocolTCP:
			o.forwarders[d.Name] = forwarder.NewTCPForwarder(d.Name, d.Address, format, retry, logger)
		default:
			return nil, fmt.Errorf("orchestrator: destination %q: %w", d.Name, forwarder.ErrUnsupported)
		}
	}

	for _, in := range cfg.Inputs {
		switch in.Protocol {
		case config.ProtocolUDP:
			o.inputs = append(o.inputs, input{name: in.Name, udp: &listener.UDP{
				Name: in.Name, Addr: in.Address, Logger: logger, Handler: o.handle,
			}})
		case config.ProtocolTCP:
			o.inputs = append(o.inputs, input{name: in.Name, tcp: &listener.TCP{
				Name: in.Name, Addr: in.Address, Logger: logger, Handler: o.handle,
			}})
		default:
			return nil, fmt.Errorf("orchestrator: input %q: %w", in.Name, forwarder.ErrUnsupported)
		}
	}

	if cfg.Service.Metrics.Enabled {
		o.metricsSrv = metrics.NewServer(cfg.Service.Metrics.Address)
	}

	return o, nil
}

// Reload validates cfg and swaps the filter engine's and transformer's
// compiled state in place. Each engine's swap is atomic, so no in-flight
// handle call observes a half-replaced rule or transform set; the two
// engines are swapped one after the other, not together. Inputs,
// destinations, and the metrics endpoint are not reconfigured by Reload;
// changing those requires a restart. Nothing in this module drives
// Reload automatically — it is a named collaborator for an external
// trigger (file watcher, admin signal) that is out of scope here.
func (o *Orchestrator) Reload(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := o.filterEngine.Reload(config.FilterRules(cfg)); err != nil {
		return fmt.Errorf("orchestrator: reload filter engine: %w", err)
	}
	if err := o.transformer.Reload(config.TransformDescriptors(cfg)); err != nil {
		return fmt.Errorf("orchestrator: reload transform engine: %w", err)
	}
	return nil
}

func resolveFormat(f config.WireFormat) forwarder.Format {
	switch f {
	case config.FormatRFC3164:
		return forwarder.FormatRFC3164
	case config.FormatRFC5424:
		return forwarder.FormatRFC5424
	default:
		return forwarder.FormatAuto
	}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start brings the relay up in the order metrics endpoint → outputs →
// inputs. If the metrics endpoint or any input fails to bind, the
// orchestrator transitions back to Stopped and returns a wrapped
// ErrFatalStart. An output whose initial connect fails is only logged; it
// reconnects on its first send.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != Stopped {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: start called in state %s", o.state)
	}
	o.state = Starting
	runCtx, cancel := context.WithCancel(ctx)
	o.runCtx = runCtx
	o.cancel = cancel
	o.mu.Unlock()

	if o.metricsSrv != nil {
		if err := o.metricsSrv.Start(); err != nil {
			o.Logger.Error("metrics endpoint failed to start", "err", err)
			o.setState(Stopped)
			return fmt.Errorf("%w: metrics endpoint: %v", ErrFatalStart, err)
		}
	}

	for name, f := range o.forwarders {
		if err := f.Connect(); err != nil {
			o.Logger.Warn("destination initial connect failed, will retry on first send", "destination", name, "err", err)
		}
	}

	for i, in := range o.inputs {
		var bindErr error
		if in.udp != nil {
			bindErr = in.udp.Bind()
		} else {
			bindErr = in.tcp.Bind()
		}
		if bindErr != nil {
			o.Logger.Error("input failed to bind", "input", in.name, "err", bindErr)
			for _, bound := range o.inputs[:i] {
				if bound.udp != nil {
					bound.udp.Stop()
				} else {
					bound.tcp.Stop()
				}
			}
			o.setState(Stopped)
			return fmt.Errorf("%w: input %s: %v", ErrFatalStart, in.name, bindErr)
		}
	}

	for _, in := range o.inputs {
		in := in
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			var err error
			if in.udp != nil {
				err = in.udp.Serve(runCtx)
			} else {
				err = in.tcp.Serve(runCtx)
			}
			if err != nil {
				o.Logger.Error("input failed", "input", in.name, "err", err)
			}
		}()
	}

	o.setState(Running)
	o.Logger.Info("orchestrator running", "inputs", len(o.inputs), "destinations", len(o.forwarders))
	return nil
}

// Stop reverses Start's order: stop inputs, disconnect outputs, stop the
// metrics endpoint. It is safe to call from any goroutine and blocks until
// every input's accept/read loop has returned.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return
	}
	o.state = Stopping
	cancel := o.cancel
	o.mu.Unlock()

	for _, in := range o.inputs {
		if in.udp != nil {
			in.udp.Stop()
		} else {
			in.tcp.Stop()
		}
	}
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	for _, f := range o.forwarders {
		f.Disconnect()
	}

	if o.metricsSrv != nil {
		if err := o.metricsSrv.Stop(ctx); err != nil {
			o.Logger.Warn("metrics endpoint shutdown error, suppressed", "err", err)
		}
	}

	o.setState(Stopped)
	o.Logger.Info("orchestrator stopped")
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// RunForever starts the orchestrator and blocks until SIGTERM or SIGINT is
// received, then runs Stop and returns.
func (o *Orchestrator) RunForever(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		o.Logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownGrace)
	defer cancel()
	o.Stop(stopCtx)
	return nil
}

const metricsShutdownGrace = 5 * time.Second

// handle runs the filter → transform → fan-out pipeline for one message
// delivered by any input listener. It returns once every destination's
// send has finished, so messages handed over in order by one connection
// reach each destination in that order.
func (o *Orchestrator) handle(msg syslogmsg.Message) {
	result := o.filterEngine.Evaluate(msg)
	if !result.Matched || result.Action == filter.ActionDrop {
		return
	}

	out := msg
	if len(result.Transforms) > 0 {
		out = o.transformer.Apply(msg, result.Transforms)
	}

	var wg sync.WaitGroup
	for _, destName := range result.Destinations {
		f, ok := o.forwarders[destName]
		if !ok {
			continue // unknown destination name; validated config makes this unreachable
		}
		wg.Add(1)
		go func(f forwarder.Forwarder) {
			defer wg.Done()
			o.forwardOne(f, out)
		}(f)
	}
	wg.Wait()
}

// forwardOne sends to a single destination on its own goroutine so a slow
// or failing destination does not delay delivery of the same message to
// the others. It reuses the
// orchestrator's run context so an in-progress retry back-off is cancelled
// promptly by Stop.
func (o *Orchestrator) forwardOne(f forwarder.Forwarder, msg syslogmsg.Message) {
	o.mu.Lock()
	ctx := o.runCtx
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	f.SendWithRetry(ctx, msg)
}
