package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cachemir/cachemir/internal/config"
	"github.com/cachemir/cachemir/internal/conn"
	"github.com/cachemir/cachemir/internal/metrics"
	"github.com/cachemir/cachemir/internal/plog"
	"github.com/cachemir/cachemir/internal/pool"
	"github.com/cachemir/cachemir/internal/registry"
	envconfig "github.com/cachemir/cachemir/pkg/config"
)

var (
	configPath string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use: "cachemir-proxy",
		Short: "Routing and distribution core for a sharded cache proxy",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "cachemir.yml", "path to the pool topology file")

	runCmd := &cobra.Command{
		Use: "run",
		Short: "Load the topology file and serve until terminated",
		RunE: runRun,
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9121", "address to serve /metrics on")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use: "validate",
		Short: "Parse and validate the topology file without serving",
		RunE: runValidate,
	})

	envconfig.FromEnviron().ApplyTo(&configPath, &metricsAddr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	_, parsed, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("%d pool(s) valid\n", len(parsed))
	for _, p := range parsed {
		fmt.Printf(" %s: %d server(s), distribution=%s hash=%s\n", p.Name, len(p.Servers), p.Config.Distribution, p.Config.HashFn)
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	logLevel, parsed, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := plog.New(logLevel)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	dialer := conn.NetDialer{Timeout: 2 * time.Second}

	reply := registry.New(nil)
	pools := make([]*pool.Pool, 0, len(parsed))
	for i, p := range parsed {
		built, err := pool.New(i, p.Config, p.Servers, dialer)
		if err != nil {
			return err
		}
		built.SetMetrics(m)
		if errs := built.Preconnect(context.Background()); len(errs) > 0 {
			for server, serverErrs := range errs {
				for _, e := range serverErrs {
					logger.WithServer(p.Name, server).WithError(e).Warn("preconnect failed")
				}
			}
		}
		pools = append(pools, built)
	}
	reply = registry.New(pools)

	logger.Event("startup").WithField("pools", len(pools)).Info("topology loaded")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Event("metrics").WithError(err).Error("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go maintenanceLoop(ctx, reply, m, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := reload(&reply, m, logger); err != nil {
				logger.Event("reload").WithError(err).Error("reload failed")
			}
		default:
			logger.Event("shutdown").Info("terminating")
			cancel()
			_ = metricsSrv.Close()
			reply.Fold(func(p *pool.Pool) { p.Disconnect() }, nil)
			return nil
		}
	}
}

// reload parses the topology file again, builds a fresh registry
// generation, and kicks off the handoff from the old generation to the new
// one.
func reload(current **registry.Registry, m *metrics.Registry, logger *plog.Logger) error {
	_, parsed, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dialer := conn.NetDialer{Timeout: 2 * time.Second}
	newPools := make([]*pool.Pool, 0, len(parsed))
	for i, p := range parsed {
		built, err := pool.New(i, p.Config, p.Servers, dialer)
		if err != nil {
			return err
		}
		built.SetMetrics(m)
		newPools = append(newPools, built)
	}

	m.ReloadStarted.Inc()
	next := registry.New(newPools)
	registry.KickReplacement(*current, next)
	logger.Event("reload").Info("new topology kicked in, draining old generation")
	*current = next
	return nil
}

// maintenanceLoop periodically advances reload state machines and rebuilds
// continua whose rebuild_interval has elapsed.
func maintenanceLoop(ctx context.Context, reg *registry.Registry, m *metrics.Registry, logger *plog.Logger) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range reg.Pools() {
				p.MaybeRebuild(now)
			}
			if done := reg.PollDraining(); len(done) > 0 {
				for _, name := range done {
					m.ReloadCompleted.Inc()
					logger.WithPool(name).Info("hot reload finished")
				}
			}
			reg.PruneRetired()
			reg.Fold(func(p *pool.Pool) {
				m.LiveServers.WithLabelValues(p.Name()).Set(float64(p.LiveServerCount(now)))
			}, nil)
		}
	}
}
