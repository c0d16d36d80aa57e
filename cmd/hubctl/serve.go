package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/tcphub/internal/echo"
	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/registry"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string
	var tickEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bundled echo peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := registry.New()
			if err := reg.CreateListeners(listen); err != nil {
				return err
			}
			ln, _ := reg.Listener(listen)
			reg.Release(listen)
			fmt.Fprintf(os.Stdout, "listening %s\n", ln.Addr())

			serveMetrics(ctx, root.cfg.MetricsAddr)
			srv := echo.NewServer()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Serve(ctx, ln) })
			if tickEvery > 0 {
				g.Go(func() error { return publishTicks(ctx, srv, tickEvery) })
			}
			err := g.Wait()
			if stopErr := reg.AssertAllServersStopped(); stopErr != nil {
				logs.Warnf("hubctl serve %v", stopErr)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9100", "host:port, or a name to bind an ephemeral loopback port")
	cmd.Flags().DurationVar(&tickEvery, "tick-every", time.Second, "publish a tick to ticks subscribers at this interval (0 disables)")
	return cmd
}

func publishTicks(ctx context.Context, srv *echo.Server, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var n int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n++
			if sent := srv.Publish(n); sent > 0 {
				logs.Debugf("hubctl serve tick=%d subscribers=%d", n, sent)
			}
		}
	}
}
