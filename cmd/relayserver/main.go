// Command relayserver runs a relay server: every line a client sends is
// broadcast to all connected clients, and lines typed on stdin are
// broadcast as "[server]". Typing "exit" shuts the server down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-relay/bridge"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/relay"
	"github.com/cyberinferno/go-relay/utils"
	"github.com/cyberinferno/go-relay/wsgateway"
)

const (
	serviceName     = "relayserver"
	shutdownTimeout = 5 * time.Second
)

type options struct {
	port         int
	maxClients   int
	maxLineSize  int
	wsAddr       string
	metricsAddr  string
	redisAddr    string
	redisChannel string
	logDir       string
	logLevel     string
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, opts, os.Stdin, os.Stdout)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

// parseFlags reads the command line. The port comes from -port or, failing
// that, the first positional argument.
func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [flags] <port>\n", serviceName)
		fs.PrintDefaults()
	}

	port := fs.String("port", "", "TCP port to listen on (1-65535)")
	fs.IntVar(&opts.maxClients, "max-clients", relay.DefaultMaxClients, "maximum concurrent clients")
	fs.IntVar(&opts.maxLineSize, "max-line", relay.DefaultMaxLineSize, "line buffer capacity in bytes")
	fs.StringVar(&opts.wsAddr, "ws-addr", "", "serve WebSocket clients on this address at /ws")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address at /metrics")
	fs.StringVar(&opts.redisAddr, "redis-addr", "", "share lines with other relays through this Redis server")
	fs.StringVar(&opts.redisChannel, "redis-channel", bridge.DefaultChannel, "Redis pub/sub channel")
	fs.StringVar(&opts.logDir, "log-dir", "", "also write logs to daily files in this directory")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	raw := utils.FirstNonEmpty(*port, fs.Arg(0))
	if raw == "" {
		fs.Usage()
		return opts, errors.New("missing port")
	}

	p, err := utils.ParsePort(raw)
	if err != nil {
		return opts, err
	}

	opts.port = p
	return opts, nil
}

// run starts the relay and its optional HTTP and Redis companions, serves
// the console from stdin, and returns once the relay has stopped. The relay
// stops on the "exit" console command, when ctx is done, or when a
// companion fails.
func run(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer) error {
	level, err := logger.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}

	var log logger.Logger
	if opts.logDir != "" {
		if log, err = logger.NewZerologFileLogger(serviceName, opts.logDir, level); err != nil {
			return err
		}
	} else {
		log = logger.NewConsoleLogger(serviceName, level)
	}
	defer func() {
		_ = log.Close()
	}()

	cfg := relay.DefaultConfig(net.JoinHostPort("", strconv.Itoa(opts.port)))
	cfg.MaxClients = opts.maxClients
	cfg.MaxLineSize = opts.maxLineSize

	m := metrics.New()
	serverOpts := []relay.Option{
		relay.WithLogger(log),
		relay.WithConsole(stdout),
		relay.WithMetrics(m),
	}

	if opts.redisAddr != "" {
		b, err := bridge.Connect(ctx, bridge.Config{Addr: opts.redisAddr, Channel: opts.redisChannel}, log)
		if err != nil {
			return err
		}
		defer func() {
			_ = b.Close()
		}()

		serverOpts = append(serverOpts, relay.WithBridge(b))
	}

	srv := relay.NewServer(cfg, serverOpts...)
	if err := srv.Start(); err != nil {
		return err
	}

	var httpServers []*http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		httpServers = append(httpServers, &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	if opts.wsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", wsgateway.NewGateway(srv, wsgateway.WithLogger(log)))
		httpServers = append(httpServers, &http.Server{Addr: opts.wsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, hs := range httpServers {
		hs := hs
		g.Go(func() error {
			log.Info("http listener started", logger.F("addr", hs.Addr))
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http %s: %w", hs.Addr, err)
			}

			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-srv.Done():
		case <-gctx.Done():
			log.Info("shutting down")
			if err := srv.Stop(); err != nil {
				log.Warn("relay stopped with errors", logger.Err(err))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, hs := range httpServers {
			if err := hs.Shutdown(shutdownCtx); err != nil {
				log.Warn("http shutdown failed", logger.F("addr", hs.Addr), logger.Err(err))
			}
		}

		return nil
	})

	// The console read cannot be interrupted, so it stays outside the group.
	go func() {
		if err := srv.ServeConsole(stdin); err != nil && !errors.Is(err, relay.ErrServerStopped) {
			log.Error("console failed", logger.Err(err))
		}
	}()

	return g.Wait()
}
