// tracker is the command-line front end for the tracking client.
//
//	tracker watch --booking 42        follow live positions of a booking
//	tracker drive --booking 42 ...    broadcast a simulated ambulance route
//	tracker serve                     run a local STOMP broker for testing
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ermn/tracking.go/debug"
	"github.com/ermn/tracking.go/internal/config"
	"github.com/ermn/tracking.go/tracking"
	"github.com/ermn/tracking.go/tracking/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"watch", "follow live positions of one or more bookings", runWatch},
	{"drive", "broadcast a simulated route for a booking", runDrive},
	{"serve", "run a local STOMP broker", runServe},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(ctx, args[1:])
		}
	}
	printUsage()
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: tracker <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-7s %s\n", cmd.name, cmd.usage)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Run 'tracker <command> --help' for command flags. The config file may also be set with %s.\n", config.EnvConfig)
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	verbose    bool
}

func (f *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", os.Getenv(config.EnvConfig), "path to YAML config file")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format (text, json)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "trace transport and protocol activity")
}

func (f *commonFlags) setup() (*config.Config, *slog.Logger, error) {
	logger, err := newLogger(f.logLevel, f.logFormat)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	if f.verbose {
		debug.Enable()
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("tracker "+name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

// transportFactory returns a factory for the configured transport. Long
// polling accepts ws:// endpoints and rewrites the scheme.
func transportFactory(cfg *config.Config, logger *slog.Logger) (tracking.TransportFactory, error) {
	switch cfg.Transport {
	case config.TransportLongPolling:
		base, err := pollingURL(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return func() tracking.Transport {
			return transport.NewLongPollingTransport(base, transport.WithLongPollingLogger(logger))
		}, nil
	default:
		endpoint := cfg.Endpoint
		return func() tracking.Transport {
			return transport.NewWebSocketTransport(endpoint, transport.WithLogger(logger))
		}, nil
	}
}

func pollingURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: endpoint scheme %q", config.ErrInvalid, u.Scheme)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

func newClient(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*tracking.Client, error) {
	factory, err := transportFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := tracking.NewClient(factory,
		tracking.WithTokenSource(cfg.TokenSource()),
		tracking.WithReconnectDelay(cfg.ReconnectDelay),
		tracking.WithHeartbeat(cfg.Heartbeat),
		tracking.WithResubscribe(cfg.Resubscribe),
		tracking.WithLogger(logger),
		tracking.WithMetrics(tracking.NewMetrics(reg)),
	)

	client.On(tracking.EventConnect, func(any) {
		logger.Info("tracking connected", "endpoint", cfg.Endpoint)
	})
	client.On(tracking.EventDisconnect, func(data any) {
		if err, ok := data.(error); ok && err != nil {
			logger.Warn("tracking connection lost", "error", err)
		}
	})
	client.On(tracking.EventError, func(data any) {
		logger.Debug("tracking error", "error", data)
	})

	return client, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// observabilityMux serves /metrics and /healthz. status reports the health
// payload and whether the process is ready.
func observabilityMux(reg *prometheus.Registry, status func() (any, bool)) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body, ok := status()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(body)
	})
	return mux
}

// listen serves handler on addr until ctx is done.
func listen(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("http server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serveMetrics starts the observability server in the background when an
// address is configured.
func serveMetrics(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, client *tracking.Client, logger *slog.Logger) {
	if cfg.Metrics.Listen == "" {
		return
	}
	mux := observabilityMux(reg, func() (any, bool) {
		return map[string]any{
			"client_id":     client.ID(),
			"state":         client.State().String(),
			"subscriptions": client.Subscriptions(),
		}, client.Connected()
	})
	go func() {
		if err := listen(ctx, cfg.Metrics.Listen, mux, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}
