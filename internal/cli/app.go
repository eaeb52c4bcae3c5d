package cli

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"nbdeploy/internal/config"
	"nbdeploy/internal/logging"
	"nbdeploy/internal/notify"
	"nbdeploy/internal/platform"
	"nbdeploy/internal/proxy"
	"nbdeploy/internal/store"
	"nbdeploy/internal/telemetry"
	"nbdeploy/internal/transport"
)

// app holds the per-command runtime: config plus the ambient logger, metrics
// and tracer. Close releases everything in reverse order.
type app struct {
	configPath string
	cfg        config.Config
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	tracer     trace.TracerProvider
	closers    []func()
}

func openApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})
	if err != nil {
		return nil, err
	}
	tp, shutdownTracing, err := telemetry.SetupTracing(cfg.Telemetry.TraceFile)
	if err != nil {
		closeLog()
		return nil, err
	}
	a := &app{
		configPath: opts.configPath,
		cfg:        cfg,
		logger:     logger,
		metrics:    telemetry.NewMetrics(),
		tracer:     tp,
	}
	a.closers = append(a.closers, closeLog, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	})
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) newProxyServer(listen string) (*proxy.Server, error) {
	settings, err := proxy.SettingsFromConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	if listen != "" {
		settings.Listen = listen
	}
	return proxy.NewServer(settings,
		proxy.WithLogger(a.logger.Named("proxy")),
		proxy.WithMetrics(a.metrics),
		proxy.WithTracerProvider(a.tracer),
	)
}

// proxyEndpoint returns the configured relay, or starts an embedded one on a
// loopback port that lives until Close.
func (a *app) proxyEndpoint(ctx context.Context) (string, error) {
	if a.cfg.Proxy.URL != "" {
		return a.cfg.Proxy.URL, nil
	}
	srv, err := a.newProxyServer("127.0.0.1:0")
	if err != nil {
		return "", err
	}
	if err := srv.Start(ctx); err != nil {
		return "", err
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("stop embedded proxy", zap.Error(err))
		}
	})
	return srv.BaseURL(), nil
}

func (a *app) platformClient(endpoint string) *platform.Client {
	caller := transport.New(endpoint, a.cfg.Transport.Timeout,
		transport.WithLogger(a.logger.Named("transport")),
		transport.WithMetrics(a.metrics),
		transport.WithTracerProvider(a.tracer),
	)
	return platform.New(caller, platform.SettingsFromConfig(a.cfg), a.logger.Named("platform"))
}

func (a *app) openStore() (store.Store, error) {
	st, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := st.Close(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
	})
	return st, nil
}

// openSink connects to NATS when configured. A broker that cannot be reached
// is logged and replaced by a no-op sink; events are best effort.
func (a *app) openSink() notify.Sink {
	if a.cfg.Notify.NATSURL == "" {
		return notify.NopSink{}
	}
	pub, err := notify.NewPublisher(a.cfg.Notify.NATSURL, a.cfg.Notify.Subject, a.logger.Named("notify"))
	if err != nil {
		a.logger.Warn("event publishing disabled", zap.Error(err))
		return notify.NopSink{}
	}
	a.closers = append(a.closers, pub.Close)
	return pub
}

func describeEndpoint(cfg config.Config, endpoint string) string {
	if cfg.Proxy.URL != "" {
		return fmt.Sprintf("relay %s", endpoint)
	}
	return fmt.Sprintf("embedded relay %s", endpoint)
}
