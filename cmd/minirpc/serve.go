package main

import (
	"context"
	"errors"
	"net/http"
	"objrpc/discovery"
	"objrpc/middleware"
	"objrpc/server"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// serveConfig resolves the config file plus flag overrides.
func serveConfig(options Options) (Config, error) {
	flagsCfg := options.Serve
	cfg, err := LoadConfig(flagsCfg.Config)
	if err != nil {
		return cfg, err
	}
	if flagsCfg.Bind != "" {
		cfg.Bind = flagsCfg.Bind
	}
	if flagsCfg.Port != "" {
		port, err := strconv.Atoi(flagsCfg.Port)
		if err != nil || port < 0 || port > 65535 {
			return cfg, errors.New("--port must be a number between 0 and 65535")
		}
		cfg.Port = port
	}
	if len(flagsCfg.Etcd) > 0 {
		cfg.Etcd = flagsCfg.Etcd
	}
	if flagsCfg.Service != "" {
		cfg.Service = flagsCfg.Service
	}
	if flagsCfg.Advertise != "" {
		cfg.Advertise = flagsCfg.Advertise
	}
	if flagsCfg.Metrics != "" {
		cfg.Metrics = flagsCfg.Metrics
	}
	return cfg, nil
}

// serverOptions turns cfg into server options. The returned cleanup releases
// whatever was opened for them.
func serverOptions(cfg Config, logger *zap.Logger) ([]server.Option, func(), error) {
	opts := []server.Option{
		server.WithBindAddress(cfg.Bind),
		server.WithPort(cfg.Port),
		server.WithMaxBodySize(cfg.MaxBodySize),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithLogger(logger),
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if len(cfg.Etcd) > 0 {
		reg, err := discovery.NewEtcdRegistry(cfg.Etcd, logger.Named("etcd"))
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { reg.Close() })
		opts = append(opts,
			server.WithDiscovery(reg, cfg.Service, cfg.Advertise),
			server.WithWeight(cfg.Weight),
		)
	}

	if cfg.Metrics != "" {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, server.WithMetrics(promReg, "minirpc"))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: cfg.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
		closers = append(closers, func() { httpSrv.Close() })
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics))
	}
	return opts, cleanup, nil
}

func runServe(ctx context.Context, options Options, logger *zap.Logger) error {
	cfg, err := serveConfig(options)
	if err != nil {
		return err
	}
	opts, cleanup, err := serverOptions(cfg, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	reg, err := kvRegistry(NewKV())
	if err != nil {
		return err
	}
	svr, err := server.NewServerWithRegistry(reg, opts...)
	if err != nil {
		return err
	}
	defer svr.Close()

	svr.Use(middleware.LoggingMiddleware(logger.Named("calls")))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.PeerRateLimitMiddleware(cfg.RateLimit, cfg.Burst, 10*time.Minute))
	}

	if err := svr.Connect(); err != nil {
		return err
	}
	logger.Warn("serving", zap.Int("port", svr.Port()), zap.Strings("methods", svr.Registry().Names()))

	err = svr.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}
