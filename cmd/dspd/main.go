// Command dspd is the DSP audio-session daemon. It attaches equalizer and
// bass-boost effects to every audio session the platform reports and keeps
// them in sync with the config of the current output device.
// Run with --mock to use the in-memory effect engine (no bridge required).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/micro-nova/dspd/internal/api"
	"github.com/micro-nova/dspd/internal/bluez"
	"github.com/micro-nova/dspd/internal/bridge"
	"github.com/micro-nova/dspd/internal/conf"
	"github.com/micro-nova/dspd/internal/config"
	"github.com/micro-nova/dspd/internal/controller"
	"github.com/micro-nova/dspd/internal/effect"
	"github.com/micro-nova/dspd/internal/metrics"
	"github.com/micro-nova/dspd/internal/models"
	"github.com/micro-nova/dspd/internal/repository"
	"github.com/micro-nova/dspd/internal/route"
	"github.com/micro-nova/dspd/internal/session"
	"github.com/micro-nova/dspd/internal/zeroconf"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "dspd",
		Short:         "DSP audio-session daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := conf.Load(v, configFile)
			if err != nil {
				slog.Error("invalid configuration", "err", err)
				return err
			}
			setupLogging(settings.Debug)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := run(ctx, settings); err != nil {
				slog.Error("dspd stopped", "err", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "settings file (default: dspd.yaml in /etc/dspd or ~/.config/dspd)")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("mock", false, "use the in-memory effect engine (no bridge required)")
	flags.String("addr", "", "HTTP listen address")
	flags.String("prefs-dir", "", "preferences directory (default: ~/.config/dspd)")
	flags.Bool("mdns", false, "advertise the control API over mDNS")
	flags.String("bridge-socket", "", "effect bridge socket path")

	for key, flag := range map[string]string{
		"debug":         "debug",
		"mock":          "mock",
		"api.addr":      "addr",
		"prefs_dir":     "prefs-dir",
		"api.mdns":      "mdns",
		"bridge.socket": "bridge-socket",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", flag, err))
		}
	}
	return cmd
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func run(ctx context.Context, s *conf.Settings) error {
	if err := os.MkdirAll(s.PrefsDir, 0o755); err != nil {
		return fmt.Errorf("creating prefs directory %s: %w", s.PrefsDir, err)
	}

	m := metrics.New()
	store := config.NewJSONStore(s.PrefsDir)
	repo, err := repository.New(store, repository.Options{UsageWindow: s.Usage.Window})
	if err != nil {
		return fmt.Errorf("loading prefs: %w", err)
	}

	// Effect engine
	var (
		native  effect.Native
		signals <-chan session.Signal
	)
	if s.Mock {
		slog.Info("using mock effect engine")
		native = effect.NewMock()
	} else {
		client, err := bridge.Dial(ctx, s.Bridge.Socket, bridge.Options{
			RateLimit:   s.Bridge.RateLimit,
			Burst:       s.Bridge.Burst,
			CallTimeout: s.Bridge.CallTimeout,
		}, m)
		if err != nil {
			return fmt.Errorf("connecting to effect bridge: %w", err)
		}
		defer client.Close()
		native = client
		signals = client.Signals()
	}

	// Route detection
	headset := route.NewHeadset(s.Headset.StatePath, s.Headset.PollInterval)
	triggers := []controller.TriggerSource{
		func(ctx context.Context, out chan<- route.Trigger) error {
			headset.Run(ctx, out)
			return nil
		},
	}
	var adapter route.Adapter
	if s.Bluetooth.Enabled {
		bt, err := bluez.New()
		if err != nil {
			slog.Warn("bluetooth unavailable, routing to wired and phone only", "err", err)
		} else {
			defer bt.Close()
			adapter = bt
			triggers = append(triggers, bt.Watch)
		}
	}
	resolver := route.NewResolver(adapter, headset, route.Options{
		ProxyIdle:      s.Bluetooth.IdleTimeout,
		ConnectTimeout: s.Bluetooth.ConnectTimeout,
		BondedTTL:      s.Bluetooth.BondedCacheTTL,
	}, m)

	info := models.Info{Version: version, Mock: s.Mock}
	ctrl, err := controller.New(controller.Options{
		Repo:     repo,
		Native:   native,
		Resolver: resolver,
		Signals:  signals,
		Triggers: triggers,
		Watcher:  store,
		Policy: effect.RetryPolicy{
			MaxAttempts: s.Effect.MaxAttempts,
			Backoff:     s.Effect.Backoff,
			SettleDelay: s.Effect.SettleDelay,
		},
		Metrics: m,
		Info:    info,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        s.API.Addr,
		Handler:     api.NewRouter(ctrl, ctrl, m.Handler(), s.API.Key),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// no WriteTimeout, the event stream is long-lived
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error {
		slog.Info("dspd listening", "addr", s.API.Addr, "mock", s.Mock, "prefs", s.PrefsDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	})
	if s.API.MDNS {
		port, err := zeroconf.PortFromAddr(s.API.Addr)
		if err != nil {
			slog.Warn("mDNS disabled", "err", err)
		} else {
			hostname, _ := os.Hostname()
			zc := zeroconf.New(hostname, port, version, s.Mock)
			g.Go(func() error {
				if err := zc.Start(gctx); err != nil {
					slog.Warn("zeroconf failed", "err", err)
				}
				return nil
			})
		}
	}

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}
