package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danmuck/tcphub/internal/clock"
	"github.com/danmuck/tcphub/internal/hub"
	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/schema"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var csp string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Hold a durable subscription open and print its data until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hubs := hub.NewRegistry()
			h, err := openHub(root.cfg, hubs)
			if err != nil {
				return err
			}
			defer func() { _ = hubs.CloseAll() }()
			serveMetrics(ctx, root.cfg.MetricsAddr)

			tid := h.NextTransactionID(clock.Millis(clock.Real()))
			sub := hub.NewDurable(tid, protocol.Service(csp),
				func(d *protocol.Document) {
					d.Add(protocol.NewFieldString(schema.FieldMessage, "subscribe"))
				},
				func(r hub.Reply) {
					if n, err := r.Doc.Int64(schema.FieldTick); err == nil {
						fmt.Fprintf(os.Stdout, "tid=%d tick=%d\n", r.TID, n)
						return
					}
					fmt.Fprintf(os.Stdout, "tid=%d data=%s\n", r.TID, r.Doc)
				},
				func() { logs.Warnf("hubctl watch subscription closed tid=%d, waiting for reconnect", tid) },
			)
			if err := h.Subscribe(sub, false); err != nil {
				return err
			}
			<-ctx.Done()
			h.Unsubscribe(tid)
			return nil
		},
	}
	cmd.Flags().StringVar(&csp, "csp", "ticks", "service path to subscribe to")
	return cmd
}
