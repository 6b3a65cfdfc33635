// Command relayclient connects to a relay server, prints every line the
// server relays, and sends every line typed on stdin. Typing "exit" closes
// the connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/relayclient"
	"github.com/cyberinferno/go-relay/utils"
)

const serviceName = "relayclient"

type options struct {
	address       string
	retries       int
	retryInterval time.Duration
	logLevel      string
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
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

	switch {
	case err == nil:
	case errors.Is(err, relayclient.ErrConnectionLost):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

// parseArgs reads the command line. The server host and port come from
// -ip and -port or, for whichever is missing, the positional arguments in
// that order.
func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [flags] <ip> <port>\n", serviceName)
		fs.PrintDefaults()
	}

	host := fs.String("ip", "", "server address or host name")
	port := fs.String("port", "", "server port (1-65535)")
	fs.IntVar(&opts.retries, "retries", 0, "give up after this many failed retries; 0 retries forever")
	fs.DurationVar(&opts.retryInterval, "retry-interval", time.Second, "pause between connection attempts")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	positional := fs.Args()
	if *host == "" && len(positional) > 0 {
		*host, positional = positional[0], positional[1:]
	}

	if *port == "" && len(positional) > 0 {
		*port = positional[0]
	}

	if *host == "" || *port == "" {
		fs.Usage()
		return opts, errors.New("missing server address")
	}

	p, err := utils.ParsePort(*port)
	if err != nil {
		return opts, err
	}

	opts.address = net.JoinHostPort(*host, strconv.Itoa(p))
	return opts, nil
}

// run connects, relays until the session ends and reports how it ended on
// stdout. A session ended by "exit", end of input or ctx is not an error.
func run(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer) error {
	level, err := logger.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}

	log := logger.NewConsoleLogger(serviceName, level)
	defer func() {
		_ = log.Close()
	}()

	cfg := relayclient.DefaultConfig(opts.address)
	cfg.MaxRetries = opts.retries
	if opts.retryInterval > 0 {
		cfg.RetryInterval = opts.retryInterval
	}

	client := relayclient.New(cfg, relayclient.WithLogger(log))
	defer func() {
		_ = client.Close()
	}()

	fmt.Fprintln(stdout, "[log] connecting to server...")
	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	}

	fmt.Fprintln(stdout, "[log] connected to server!")
	fmt.Fprintln(stdout, "[log] type any message and press enter to send")
	fmt.Fprintln(stdout, "[log] special commands are:")
	fmt.Fprintf(stdout, "[log]     %q: closes connection with the server\n", relayclient.ExitCommand)

	err = client.Run(ctx, stdin, stdout)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		fmt.Fprintln(stdout, "[log] closing connection with server...")
		return nil
	case errors.Is(err, relayclient.ErrConnectionLost):
		fmt.Fprintln(stdout, "lost connection with server")
		return err
	default:
		return err
	}
}
