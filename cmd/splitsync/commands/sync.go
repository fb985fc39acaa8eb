package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerlite/splitsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes and drain the delete queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if !a.conn.IsOnline() {
			fmt.Println(ui.RenderWarn("Offline; changes stay queued until the server is reachable."))
			return nil
		}

		if err := a.engine.SyncAll(ctx); err != nil {
			return err
		}

		fmt.Printf("%s Synced at %s\n", ui.RenderPass("✓"),
			a.engine.State().LastSync().Format(time.Kitchen))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
