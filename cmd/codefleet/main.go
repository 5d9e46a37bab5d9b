package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/codefleet/codefleet/pkg/coordinator"
	"github.com/codefleet/codefleet/pkg/fleet"
	"github.com/codefleet/codefleet/pkg/realtime"
	"github.com/codefleet/codefleet/pkg/storage"
	"github.com/codefleet/codefleet/pkg/updatepipeline"
	"github.com/codefleet/codefleet/pkg/updatepipeline/canary"
	"github.com/codefleet/codefleet/pkg/updatepipeline/registry"
	"github.com/codefleet/codefleet/pkg/updatepipeline/rollout"
	"github.com/codefleet/codefleet/pkg/updatepipeline/sweep"
	"github.com/codefleet/codefleet/pkg/updatepipeline/watcher"
	"github.com/codefleet/codefleet/support/config"
	"github.com/codefleet/codefleet/support/metrics"
)

func main() {
	cmd := &cobra.Command{
		Use: "codefleet",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(1)
		},
	}
	cmd.AddCommand(NewRunCommand())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type RunOptions struct {
	ConfigPath     string
	ListenAddr     string
	MetricsAddr    string
	SweepReposFile string
	DevLogging     bool
}

func (o *RunOptions) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.ConfigPath, "config", o.ConfigPath, "Path to the YAML configuration file (defaults apply when omitted)")
	flags.StringVar(&o.ListenAddr, "listen-addr", o.ListenAddr, "The address the websocket endpoint binds to")
	flags.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "The address the metric endpoint binds to")
	flags.StringVar(&o.SweepReposFile, "sweep-repos-file", o.SweepReposFile, "Path to a YAML list of repositories eligible for post-update sweeps")
	flags.BoolVar(&o.DevLogging, "dev-logging", o.DevLogging, "Use human-readable console logging instead of JSON")
}

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the codefleet control plane",
	}

	opts := RunOptions{
		ConfigPath:     "",
		ListenAddr:     ":8080",
		MetricsAddr:    ":9090",
		SweepReposFile: "",
		DevLogging:     false,
	}

	opts.AddFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		zl, err := newZapLogger(opts.DevLogging)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer zl.Sync()

		if err := run(ctx, &opts, zapr.NewLogger(zl)); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	return cmd
}

func newZapLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, opts *RunOptions, log logr.Logger) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	repos, err := loadRepoTargets(opts.SweepReposFile)
	if err != nil {
		return err
	}

	clk := clock.RealClock{}
	store := storage.NewMemory()

	fleetMgr := fleet.NewManager(log, clk, cfg.Fleet)
	coord := coordinator.New(log, clk, cfg.Sessions, fleetMgr, store)
	hub := realtime.NewHub(log, clk, cfg.Realtime)

	w := watcher.New(log, clk, cfg.Updates.Watcher, defaultWatcherSources(), nil)
	cn := canary.New(log, clk, cfg.Updates.Canary, &sessionProbe{coord: coord}, nil)
	reg := registry.New(log, clk, cfg.Updates.Registry, store)
	rolloutMetrics := &rolloutMetricsSource{}
	ro := rollout.New(log, clk, cfg.Updates.Rollout, store, rolloutMetrics)
	sw := sweep.New(log, clk, cfg.Updates.Sweep, &runnerSweeper{fleet: fleetMgr, hub: hub})

	if err := reg.Restore(); err != nil {
		return fmt.Errorf("failed to restore registry state: %w", err)
	}
	if err := ro.Restore(); err != nil {
		return fmt.Errorf("failed to restore rollout state: %w", err)
	}

	pipe := updatepipeline.New(log, clk, cfg.Updates, w, cn, reg, ro, sw, repos)

	promReg := prometheus.NewRegistry()
	mset := metrics.NewSet(promReg)

	fleetMgr.Subscribe(coord.HandleFleetEvent)
	fleetMgr.Subscribe(pipe.HandleFleetEvent)
	hub.SubscribeTerminalInput(func(in realtime.TerminalInput) {
		coord.ForwardTerminalInput(in.SessionID, in.Data)
	})
	wireEvents(coord, fleetMgr, ro, sw, pipe, hub, mset, rolloutMetrics)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		coord.Start(ctx)
		return nil
	})
	grp.Go(func() error {
		fleetMgr.Start(ctx)
		return nil
	})
	grp.Go(func() error {
		hub.Start(ctx)
		return nil
	})
	grp.Go(func() error {
		return pipe.Start(ctx)
	})
	grp.Go(func() error {
		collectStats(ctx, coord, fleetMgr, ro, hub, mset)
		return nil
	})
	grp.Go(func() error {
		return serve(ctx, log.WithValues("addr", opts.ListenAddr), opts.ListenAddr, mux)
	})
	grp.Go(func() error {
		return serve(ctx, log.WithValues("addr", opts.MetricsAddr), opts.MetricsAddr, metricsMux)
	})

	log.Info("control plane started", "listenAddr", opts.ListenAddr, "metricsAddr", opts.MetricsAddr)
	return grp.Wait()
}

// serve runs an HTTP server until ctx is cancelled, then drains it.
func serve(ctx context.Context, log logr.Logger, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
