// Command minirpc serves a demo key/value object over objrpc and calls methods
// on any objrpc server.
//
//	minirpc serve --port 9000
//	minirpc call --addr 127.0.0.1:9000 Set greeting '"hello"'
//	minirpc call --addr 127.0.0.1:9000 Get greeting
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"objrpc/client"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

// Version of the binary, assigned during build.
var Version string = "dev"

// Options contains the flag options
type Options struct {
	Verbose []bool `short:"v" long:"verbose" description:"Show verbose logging."`
	Version bool   `long:"version" description:"Print version and exit."`

	Serve struct {
		Config    string   `long:"config" description:"YAML config file."`
		Bind      string   `long:"bind" description:"IPv4 address to listen on."`
		Port      string   `long:"port" description:"Port to listen on, 0 picks a free one."`
		Etcd      []string `long:"etcd" description:"etcd endpoint to announce the server to. Repeatable."`
		Service   string   `long:"service" description:"Service name announced through etcd."`
		Advertise string   `long:"advertise" description:"Host clients should dial, announced through etcd."`
		Metrics   string   `long:"metrics" description:"Address to serve Prometheus metrics on, e.g. 127.0.0.1:9100."`
	} `command:"serve" description:"Expose a key/value object."`

	Call struct {
		Addr    string   `long:"addr" description:"Server address host:port."`
		Etcd    []string `long:"etcd" description:"Discover the server through etcd instead of --addr. Repeatable."`
		Service string   `long:"service" description:"Service name to discover." default:"kv"`
		HashKey string   `long:"hash-key" description:"With --etcd, call the server owning this key on a consistent hash ring instead of a weighted random one."`
		Timeout string   `long:"timeout" description:"Give up after this long, e.g. 5s." default:"10s"`
		Kwargs  []string `long:"kw" description:"Keyword argument key=json. Repeatable."`
		Args    struct {
			Method string   `positional-arg-name:"method" required:"yes"`
			Params []string `positional-arg-name:"arg" description:"JSON value; anything else is sent as a string."`
		} `positional-args:"yes"`
	} `command:"call" description:"Call a method and print the JSON result."`
}

func main() {
	options := Options{}
	parser := flags.NewParser(&options, flags.Default)
	parser.SubcommandsOptional = true
	p, err := parser.Parse()
	if err != nil {
		if p == nil {
			fmt.Println(err)
		}
		return
	}

	if options.Version {
		fmt.Println(Version)
		os.Exit(0)
	}
	if parser.Active == nil {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	logger, err := newLogger(len(options.Verbose))
	if err != nil {
		exit(1, "failed to set up logging: %s\n", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = subcommand(ctx, parser.Active.Name, options, logger)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, io.EOF):
		err = ErrExplain{err, `Connection closed by the server.`}
	case errors.Is(err, client.ErrMethodNotFound):
		err = ErrExplain{err, `The remote object has no such method. Method names are case sensitive.`}
	case errors.Is(err, client.ErrTransport):
		err = ErrExplain{err, `Could not reach the server or it went away mid-call. Is it running?`}
	}
	exit(2, "%s\n", err)
}

func subcommand(ctx context.Context, cmd string, options Options, logger *zap.Logger) error {
	switch cmd {
	case "serve":
		return runServe(ctx, options, logger)
	case "call":
		return runCall(ctx, options, logger)
	}
	return fmt.Errorf("unknown command: %s", cmd)
}

func exit(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(code)
}

// ErrExplain annotates an error with an explanation.
type ErrExplain struct {
	Cause       error
	Explanation string
}

func (err ErrExplain) Error() string {
	return fmt.Sprintf("%s\n -> %s", err.Cause, err.Explanation)
}

func (err ErrExplain) Unwrap() error {
	return err.Cause
}
