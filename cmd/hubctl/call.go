package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/tcphub/internal/hub"
	"github.com/danmuck/tcphub/internal/observability"
	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/schema"
)

func newCallCmd(root *rootOptions) *cobra.Command {
	var (
		csp     string
		cid     int64
		tid     int64
		text    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Send one request and print the reply",
		RunE: func(cmd *cobra.Command, _ []string) error {
			hubs := hub.NewRegistry()
			h, err := openHub(root.cfg, hubs)
			if err != nil {
				return err
			}
			defer func() { _ = hubs.CloseAll() }()

			target := protocol.Target{CSP: csp, CID: cid}
			start := time.Now()
			reply, err := h.Request(cmd.Context(), target, tid, func(d *protocol.Document) {
				d.Add(protocol.NewFieldString(schema.FieldMessage, text))
			}, timeout)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			observability.RecordRequest(h.Name(), target.String(), outcome, time.Since(start))
			if err != nil {
				return err
			}
			msg, err := reply.Doc.Text(schema.FieldMessage)
			if err != nil {
				fmt.Fprintf(os.Stdout, "tid=%d reply=%s\n", reply.TID, reply.Doc)
				return nil
			}
			fmt.Fprintf(os.Stdout, "tid=%d message=%q rtt=%s\n", reply.TID, msg, time.Since(start))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&csp, "csp", "echo", "service path")
	flags.Int64Var(&cid, "cid", 0, "proxy id, takes precedence over --csp")
	flags.Int64Var(&tid, "tid", 0, "transaction id (0 allocates one)")
	flags.StringVar(&text, "message", "hello", "message to send")
	flags.DurationVar(&timeout, "timeout", 0, "reply timeout (0 uses the configured request timeout)")
	return cmd
}
