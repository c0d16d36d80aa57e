package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/tcphub/internal/failover"
	"github.com/danmuck/tcphub/internal/hub"
	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/observability"
	"github.com/danmuck/tcphub/internal/protocol/session"
)

type rootOptions struct {
	configPath  string
	addresses   []string
	metricsAddr string
	cfg         cliConfig
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "hubctl",
		Short:         "Talk to a length-prefixed TCP service through a connection hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			observability.InitLogger("hubctl")
			cfg, err := loadCLIConfig(opts.configPath)
			if err != nil {
				return err
			}
			if len(opts.addresses) > 0 {
				cfg.Addresses = normalizeList(opts.addresses)
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = opts.metricsAddr
			}
			opts.cfg = cfg
			return nil
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	flags.StringSliceVar(&opts.addresses, "addr", nil, "service addresses in failover order (host:port or alias)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(newServeCmd(opts), newCallCmd(opts), newWatchCmd(opts))
	return cmd
}

// openHub opens a hub for the configured service, wired to Prometheus and the state log.
func openHub(c cliConfig, hubs *hub.Registry) (*hub.Hub, error) {
	addrs, err := c.newRegistry()
	if err != nil {
		return nil, err
	}
	sink, err := observability.NewHubSink(nil)
	if err != nil {
		return nil, err
	}
	options := []hub.Option{
		hub.WithMetricSink(sink),
		hub.WithRegistry(hubs),
		hub.WithStateListener(func(from, to hub.State, addr failover.Address) {
			observability.RecordHubState(c.Name, to.String(), int(to))
			logs.Infof("hubctl state hub=%s from=%s to=%s addr=%s", c.Name, from, to, addr)
		}),
	}
	if c.UserID != "" {
		options = append(options, hub.WithSessionProvider(session.Static(c.UserID)))
	}
	return hub.OpenService(c.Hub, c.Name, c.Addresses, addrs, options...)
}

// serveMetrics runs the metrics endpoint until ctx is done. An empty addr disables it.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logs.Infof("hubctl metrics listening addr=%s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errf("hubctl metrics server err=%v", err)
		}
	}()
}
