package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"objrpc/client"
	"objrpc/discovery"
	"objrpc/loadbalance"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// parseParam reads s as JSON, falling back to a plain string.
func parseParam(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

func parseKwargs(pairs []string) (map[string]any, error) {
	kwargs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("keyword argument %q is not key=value", pair)
		}
		kwargs[k] = parseParam(v)
	}
	return kwargs, nil
}

// callBalancer picks a weighted random server, or the one owning hashKey when
// it is set.
func callBalancer(hashKey string) loadbalance.Balancer {
	if hashKey != "" {
		return loadbalance.NewConsistentHashBalancer().Keyed(hashKey)
	}
	return &loadbalance.WeightedRandomBalancer{}
}

func dialCall(ctx context.Context, options Options, logger *zap.Logger) (*client.Client, error) {
	opts := options.Call
	clientOpts := []client.Option{client.WithLogger(logger)}

	if len(opts.Etcd) > 0 {
		reg, err := discovery.NewEtcdRegistry(opts.Etcd, logger.Named("etcd"))
		if err != nil {
			return nil, err
		}
		defer reg.Close()
		return client.DialService(ctx, reg, opts.Service, callBalancer(opts.HashKey), clientOpts...)
	}

	if opts.Addr == "" {
		return nil, errors.New("either --addr or --etcd is required")
	}
	host, portStr, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("--addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("--addr: bad port %q", portStr)
	}
	cli := client.NewClient(host, port, clientOpts...)
	if err := cli.Connect(ctx); err != nil {
		return nil, err
	}
	return cli, nil
}

func runCall(ctx context.Context, options Options, logger *zap.Logger) error {
	opts := options.Call
	timeout, err := time.ParseDuration(opts.Timeout)
	if err != nil {
		return fmt.Errorf("--timeout: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]any, 0, len(opts.Args.Params))
	for _, p := range opts.Args.Params {
		args = append(args, parseParam(p))
	}
	kwargs, err := parseKwargs(opts.Kwargs)
	if err != nil {
		return err
	}

	cli, err := dialCall(ctx, options, logger)
	if err != nil {
		return err
	}
	defer cli.Close()

	result, err := cli.Invoke(ctx, opts.Args.Method, args, kwargs)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(result))
	return err
}
