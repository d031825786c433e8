package main

import (
	"fmt"

	"github.com/quailyquaily/morphlink/internal/checktrigger"
	"github.com/quailyquaily/morphlink/internal/fsstore"
	"github.com/quailyquaily/morphlink/internal/statepaths"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Ask the running worker to poll immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := fsstore.EnsureDir(statepaths.WorkerDir(), 0o700); err != nil {
				return err
			}
			req := checktrigger.Request{RequesterRole: "cli", Source: "morphlink check"}
			if err := checktrigger.Write(statepaths.CheckTriggerPath(), req); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Check requested.")
			return nil
		},
	}
}
