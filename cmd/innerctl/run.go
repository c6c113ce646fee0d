package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/RecadoCampbell/fastotv/internal/admin"
	"github.com/RecadoCampbell/fastotv/internal/events"
	"github.com/RecadoCampbell/fastotv/internal/inner"
	"github.com/RecadoCampbell/fastotv/internal/observability"
	"github.com/RecadoCampbell/fastotv/internal/protocol/session"
	"github.com/RecadoCampbell/fastotv/internal/reactor"
)

type runFlags struct {
	configPath string
	address    string
	login      string
	password   string
	deviceID   string
	adminAddr  string
	traceOut   string
	noRetry    bool
}

func runCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the directing server and serve its control calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultAppConfig()
			if flags.configPath != "" {
				loaded, err := loadAppConfig(flags.configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			applyFlags(cmd, &cfg, flags)
			if err := cfg.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "TOML config file")
	cmd.Flags().StringVar(&flags.address, "address", "", "directing server host:port")
	cmd.Flags().StringVar(&flags.login, "login", "", "account login")
	cmd.Flags().StringVar(&flags.password, "password", "", "account password")
	cmd.Flags().StringVar(&flags.deviceID, "device-id", "", "device identifier")
	cmd.Flags().StringVar(&flags.adminAddr, "admin-addr", "", "serve /health, /status and /metrics on this address")
	cmd.Flags().StringVar(&flags.traceOut, "trace-exporter", "", `request span exporter: "none" or "stdout"`)
	cmd.Flags().BoolVar(&flags.noRetry, "no-reconnect", false, "exit instead of reconnecting after a disconnect")
	return cmd
}

// applyFlags overrides file values with flags the user set explicitly.
func applyFlags(cmd *cobra.Command, cfg *appConfig, flags runFlags) {
	changed := cmd.Flags().Changed
	if changed("address") {
		cfg.Inner.Session.Address = flags.address
	}
	if changed("login") {
		cfg.Inner.Auth.Login = flags.login
	}
	if changed("password") {
		cfg.Inner.Auth.Password = flags.password
	}
	if changed("device-id") {
		cfg.Inner.Auth.DeviceID = flags.deviceID
	}
	if changed("admin-addr") {
		cfg.AdminAddr = flags.adminAddr
	}
	if changed("trace-exporter") {
		cfg.TraceExporter = flags.traceOut
	}
	if changed("no-reconnect") && flags.noRetry {
		cfg.Reconnect = false
	}
}

func run(parent context.Context, cfg appConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := observability.InitLogger("innerctl")
	observability.RegisterMetrics()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer, err := primaryDialer(cfg.Inner.Session)
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing("innerctl", observability.TracingConfig{Exporter: cfg.TraceExporter})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Msgf("innerctl tracing shutdown err=%v", err)
		}
	}()

	sink := events.NewChanSink(256)
	handler := inner.NewHandler(cfg.Inner, sink, inner.WithLogger(logger), inner.WithDialer(dialer))
	loop := reactor.New(handler)

	sup := &supervisor{
		post: loop.Post,
		stop: loop.Stop,
		connect: func() error {
			return handler.Connect(loop)
		},
		bootstrap: func() error {
			if err := handler.RequestServerInfo(); err != nil {
				return err
			}
			return handler.RequestChannels()
		},
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		backoff:   session.NewBackoff(cfg.Inner.Session.WithDefaults().Reconnect, rand.New(rand.NewSource(time.Now().UnixNano()))),
		reconnect: cfg.Reconnect,
		log:       logger,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.watch(ctx, sink.Events())
	}()

	if cfg.AdminAddr != "" {
		srv := admin.New("innerctl", func() (inner.Status, bool) {
			var st inner.Status
			ok := loop.Exec(func() { st = handler.Status() })
			return st, ok
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.AdminAddr); err != nil {
				logger.Error().Msgf("innerctl admin server failed addr=%s err=%v", cfg.AdminAddr, err)
			}
		}()
	}

	logger.Info().Msgf("innerctl starting address=%s login=%s version=%s", cfg.Inner.Session.Address, cfg.Inner.Auth.Login, version)
	err = loop.Run(ctx)
	stop()
	wg.Wait()
	logRunResult(logger, err, sink.Dropped())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("innerctl run: %w", err)
	}
	return nil
}

// primaryDialer wraps the TCP dialer in TLS when the session asks for it.
func primaryDialer(cfg session.Config) (reactor.Dialer, error) {
	base := &net.Dialer{}
	tlsCfg, err := cfg.ClientTLS()
	if err != nil {
		return nil, fmt.Errorf("innerctl transport: %w", err)
	}
	if tlsCfg == nil {
		return base, nil
	}
	return &tls.Dialer{NetDialer: base, Config: tlsCfg}, nil
}

func logRunResult(logger zerolog.Logger, err error, dropped uint64) {
	if dropped > 0 {
		logger.Warn().Msgf("innerctl events dropped count=%d", dropped)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Msgf("innerctl stopped err=%v", err)
		return
	}
	logger.Info().Msg("innerctl stopped")
}
