// Command otapctl talks to sensor nodes through a gateway: it flashes firmware
// over the air, activates images, inspects transfer state and issues single
// remote calls.
//
//	otapctl [-config file] <command> [flags]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"nodelink/channel"
	"nodelink/config"
	"nodelink/metrics"
	"nodelink/middleware"
	"nodelink/protocol"
	"nodelink/registry"
	"nodelink/transport"
)

const usage = `usage: otapctl [-config file] <command> [flags]

commands:
  flash     transfer a firmware image to nodes
  activate  boot an image slot on nodes
  missing   list the segments a node still lacks
  call      invoke one remote method
  nodes     list the node directory of the gateway
`

// errFailedNodes marks a command that ran but left nodes failed.
var errFailedNodes = errors.New("some nodes failed")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "otapctl: %v\n", err)
		}
		os.Exit(1)
	}
}

type command func(ctx context.Context, env *env, args []string) error

var commands = map[string]command{
	"flash":    flashCmd,
	"activate": activateCmd,
	"missing":  missingCmd,
	"call":     callCmd,
	"nodes":    nodesCmd,
}

func run(args []string) error {
	fs := flag.NewFlagSet("otapctl", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	cfgPath := fs.String("config", "", "TOML configuration file")
	device := fs.String("device", "", "serial device, overrides link.device")
	tcp := fs.String("tcp", "", "serial forwarder host:port, overrides link.tcp")
	level := fs.String("log", "", "log level, overrides log.level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return err
		}
	}
	if *device != "" {
		cfg.Link.Device, cfg.Link.TCP = *device, ""
	}
	if *tcp != "" {
		cfg.Link.Device, cfg.Link.TCP = "", *tcp
	}
	if *level != "" {
		lvl, err := zerolog.ParseLevel(*level)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := newEnv(cfg)
	defer e.close()
	if cfg.Metrics != "" {
		e.serveMetrics(cfg.Metrics)
	}
	return cmd(ctx, e, fs.Args()[1:])
}

// env is what the commands share: configuration, logger and lazily opened
// link, channel and registry.
type env struct {
	cfg config.Config
	log zerolog.Logger

	conn *transport.Conn
	ch   *channel.Channel
	reg  *registry.EtcdRegistry
}

func newEnv(cfg config.Config) *env {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Str("app", "otapctl").Logger().Level(cfg.LogLevel)
	return &env{cfg: cfg, log: log}
}

func (e *env) logger(component string) *zerolog.Logger {
	l := e.log.With().Str("component", component).Logger()
	return &l
}

func (e *env) serveMetrics(addr string) {
	metrics.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			e.log.Warn().Err(err).Str("addr", addr).Msg("metrics endpoint stopped")
		}
	}()
}

// channel opens the link on first use.
func (e *env) channel(ctx context.Context) (*channel.Channel, error) {
	if e.ch != nil {
		return e.ch, nil
	}
	opts := []transport.Option{
		transport.WithLogger(e.logger("transport")),
		transport.WithAddress(e.cfg.Link.Address),
	}
	var err error
	if e.cfg.Link.Device != "" {
		e.conn, err = transport.OpenSerial(e.cfg.Link.Device, e.cfg.Link.Baud, opts...)
	} else {
		e.conn, err = transport.DialTCP(ctx, e.cfg.Link.TCP, opts...)
	}
	if err != nil {
		return nil, err
	}
	e.ch = channel.New(e.conn,
		channel.WithLogger(e.logger("channel")),
		channel.WithWaitingTime(e.cfg.Channel.WaitingTime),
		channel.WithStaleAfter(e.cfg.Channel.StaleAfter),
		channel.WithTxInterval(e.cfg.Channel.TxInterval),
	)
	e.conn.Start()
	return e.ch, nil
}

func (e *env) middleware() []middleware.Middleware {
	return callMiddleware(e.cfg.Channel, e.logger("remote"))
}

// callMiddleware builds the chain every remote call goes through, outermost first.
func callMiddleware(c config.Channel, log *zerolog.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.MetricsMiddleware(),
		middleware.LoggingMiddleware(log),
	}
	if c.CallRate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.CallRate, c.CallBurst, true))
	}
	if c.CallTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(c.CallTimeout))
	}
	return mws
}

func (e *env) registry(ctx context.Context) (*registry.EtcdRegistry, error) {
	if e.reg != nil {
		return e.reg, nil
	}
	if len(e.cfg.Registry.Endpoints) == 0 {
		return nil, errors.New("no registry endpoints configured")
	}
	reg, err := registry.NewEtcdRegistry(e.cfg.Registry.Endpoints, e.cfg.Registry.DialTimeout,
		registry.WithLogger(e.logger("registry")))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, e.cfg.Registry.DialTimeout)
	defer cancel()
	if err := reg.Ping(pctx); err != nil {
		reg.Close()
		return nil, fmt.Errorf("registry: %w", err)
	}
	e.reg = reg
	return reg, nil
}

func (e *env) close() {
	if e.ch != nil {
		e.ch.Close()
	}
	if e.conn != nil {
		e.conn.Close()
	}
	if e.reg != nil {
		e.reg.Close()
	}
}

// parseNodes reads a comma separated list of node ids (decimal or 0x hex).
func parseNodes(s string) ([]protocol.NodeID, error) {
	var ids []protocol.NodeID
	seen := make(map[protocol.NodeID]bool)
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseUint(f, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("node id %q: %w", f, err)
		}
		id := protocol.NodeID(v)
		if id == protocol.Broadcast {
			return nil, fmt.Errorf("node id %q: broadcast is not a target", f)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}
