package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quailyquaily/morphlink/internal/fsstore"
	"github.com/quailyquaily/morphlink/internal/logutil"
	"github.com/quailyquaily/morphlink/internal/retryutil"
	"github.com/quailyquaily/morphlink/internal/rpc"
	"github.com/quailyquaily/morphlink/internal/statepaths"
	"github.com/quailyquaily/morphlink/internal/telegram"
	"github.com/quailyquaily/morphlink/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the Telegram poll loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			token := strings.TrimSpace(viper.GetString("telegram.bot_token"))
			if token == "" {
				return fmt.Errorf("telegram.bot_token is required (or MORPHLINK_TELEGRAM_BOT_TOKEN)")
			}
			if err := fsstore.EnsureDir(statepaths.WorkerDir(), 0o700); err != nil {
				return err
			}

			client := telegram.NewClient(nil, viper.GetString("telegram.api_base_url"), token)

			var factory worker.BridgeFactory
			if argv := viper.GetStringSlice("agent.argv"); len(argv) > 0 {
				factory = func(ctx context.Context, sessionFile string) (worker.Bridge, error) {
					session, err := rpc.Start(ctx, rpc.Options{
						Argv:        argv,
						SessionFile: sessionFile,
						Logger:      logger,
					})
					if err != nil {
						return nil, err
					}
					return session, nil
				}
			} else {
				logger.Warn("agent_argv_empty", "hint", "set agent.argv to enable the agent bridge")
			}

			rt, err := worker.New(worker.Options{
				Logger:    logger,
				Config:    worker.ConfigFromViper(),
				Paths:     worker.PathsFromState(),
				Telegram:  client,
				NewBridge: factory,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			resolveIdentity(ctx, logger, client, rt)

			interval := viper.GetDuration("worker.interval")
			if interval <= 0 {
				interval = 5 * time.Second
			}
			logger.Info("worker_start", "interval", interval, "state_dir", statepaths.FileStateDir())

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if _, err := rt.HandleCheckTrigger(ctx); err != nil {
					logger.Warn("check_trigger_error", "error", err)
				}
				if err := rt.PollOnce(ctx, false); err != nil {
					logger.Warn("poll_cycle_error", "error", err)
				}
				select {
				case <-ctx.Done():
					logger.Info("worker_stop")
					closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := rt.Close(closeCtx); err != nil {
						logger.Warn("worker_close_error", "error", err)
					}
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().Duration("interval", 0, "Poll interval (defaults to worker.interval).")
	_ = viper.BindPFlag("worker.interval", cmd.Flags().Lookup("interval"))
	return cmd
}

// resolveIdentity fetches the bot's own id/username for mention and
// reply-to checks. A startup network blip shouldn't kill the worker, so
// a failed fetch degrades to a background retry.
func resolveIdentity(ctx context.Context, logger *slog.Logger, client *telegram.Client, rt *worker.Runtime) {
	meCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	me, err := client.GetMe(meCtx)
	if err == nil {
		rt.SetIdentity(me.ID, me.Username)
		logger.Info("bot_identity", "id", me.ID, "username", me.Username)
		return
	}
	logger.Warn("bot_identity_unavailable", "error", err)
	retryutil.AsyncRetry(logger, "telegram_get_me", 15*time.Second, 30*time.Second, func(ctx context.Context) error {
		me, err := client.GetMe(ctx)
		if err != nil {
			return err
		}
		rt.SetIdentity(me.ID, me.Username)
		return nil
	})
}
