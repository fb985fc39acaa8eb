package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ledgerlite/splitsync/internal/importer"
	"github.com/ledgerlite/splitsync/internal/realtime"
	"github.com/ledgerlite/splitsync/internal/remote"
	"github.com/ledgerlite/splitsync/internal/syncer"
	"github.com/ledgerlite/splitsync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon periodically pushes stale local state, replays queued
deletions when connectivity returns, applies live changes from the
realtime feed, and imports expense drop-in files from the spool
directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if currentUser() == nil {
			return syncer.ErrNoCurrentUser
		}

		schedCfg := syncer.DefaultSchedulerConfig()
		schedCfg.Logger = newLogger("[scheduler] ")
		scheduler := syncer.NewScheduler(a.engine, schedCfg)
		scheduler.Start()
		defer scheduler.Stop()

		if url := viper.GetString("realtime_url"); url != "" && a.remote != nil {
			feed := remote.NewWSFeed(url, newLogger("[feed] "))
			router, err := realtime.New(realtime.Config{
				Feed:        feed,
				Engine:      a.engine,
				Schema:      a.schema,
				CurrentUser: currentUser,
				Observer:    consoleObserver{},
				Logger:      newLogger("[realtime] "),
			})
			if err != nil {
				return err
			}
			if err := router.Start(ctx); err != nil {
				a.logger.Printf("realtime feed unavailable: %v", err)
			} else {
				defer router.Stop()
			}
		}

		if spool := viper.GetString("spool_dir"); spool != "" {
			cfg := importer.DefaultConfig(spool)
			cfg.OnImport = scheduler.NotifyMutation
			cfg.Logger = newLogger("[importer] ")
			imp, err := importer.New(a.cache, cfg)
			if err != nil {
				return err
			}
			if err := imp.Start(ctx); err != nil {
				return fmt.Errorf("starting importer: %w", err)
			}
			defer imp.Stop()
		}

		// The watch keeps retrying the dial through the reconnecting store,
		// so a backend that was down at startup still comes online later.
		if a.remote != nil {
			go a.conn.Watch(ctx, a.remote, 30*time.Second)
		}

		fmt.Printf("%s Watching (ctrl-c to stop)\n", ui.RenderPass("●"))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nShutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
