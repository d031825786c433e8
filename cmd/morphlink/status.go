package main

import (
	"fmt"
	"time"

	"github.com/quailyquaily/morphlink/internal/checktrigger"
	"github.com/quailyquaily/morphlink/internal/fsstore"
	"github.com/quailyquaily/morphlink/internal/jobs"
	"github.com/quailyquaily/morphlink/internal/leader"
	"github.com/quailyquaily/morphlink/internal/queue"
	"github.com/quailyquaily/morphlink/internal/statepaths"
	"github.com/spf13/cobra"
)

// status reads the persisted files directly; it never touches Telegram
// and works whether or not a worker is running.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print lease, trigger, queue and job state",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if lease, ok := leader.Current(statepaths.LeasePath()); ok {
				_, _ = fmt.Fprintf(out, "Lease:    pid %d on %s (refreshed %s)\n",
					lease.PID, lease.Hostname, lease.RefreshedAt.Format(time.RFC3339))
			} else {
				_, _ = fmt.Fprintln(out, "Lease:    none")
			}

			if req, ok := checktrigger.Peek(statepaths.CheckTriggerPath(), time.Time{}); ok {
				_, _ = fmt.Fprintf(out, "Trigger:  pending (pid %d, %s, %s)\n",
					req.RequesterPID, req.RequesterRole, req.RequestedAt.Format(time.RFC3339))
			} else {
				_, _ = fmt.Fprintln(out, "Trigger:  none")
			}

			var inbound []queue.InboundEnvelope
			_, _ = fsstore.ReadJSONLenient(statepaths.InboundQueuePath(), &inbound)
			var outbound []queue.OutboundEnvelope
			_, _ = fsstore.ReadJSONLenient(statepaths.OutboundQueuePath(), &outbound)
			_, _ = fmt.Fprintf(out, "Queues:   %d inbound, %d outbound\n", len(inbound), len(outbound))

			store, err := jobs.OpenStore(statepaths.JobStorePath())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Jobs:\n%s\n", jobs.FormatList(store.List(), time.Now()))
			return nil
		},
	}
}
