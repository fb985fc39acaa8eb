package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ledgerlite/splitsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache, queue and connectivity state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		user := currentUser()
		if user != nil {
			fmt.Printf("User:       %s\n", ui.RenderAccent(user.ID))
		} else {
			fmt.Printf("User:       %s\n", ui.RenderWarn("not logged in (run `splitsync login`)"))
		}

		if a.conn.IsOnline() {
			fmt.Printf("Server:     %s\n", ui.RenderPass("online"))
		} else {
			fmt.Printf("Server:     %s\n", ui.RenderFail("offline"))
		}

		groups, err := a.cache.LoadGroups(ctx)
		if err != nil {
			return err
		}
		expenses := 0
		for _, g := range groups {
			expenses += len(g.Expenses)
		}
		fmt.Printf("Groups:     %d (%d expenses)\n", len(groups), expenses)

		queue, err := a.cache.DeleteQueue(ctx)
		if err != nil {
			return err
		}
		if len(queue) > 0 {
			fmt.Printf("Queued:     %s\n", ui.RenderWarn(fmt.Sprintf("%d pending deletions", len(queue))))
		} else {
			fmt.Printf("Queued:     0 pending deletions\n")
		}

		if last := a.engine.State().LastSync(); !last.IsZero() {
			fmt.Printf("Last sync:  %s (%s ago)\n", last.Format(time.RFC822),
				time.Since(last).Round(time.Second))
		} else {
			fmt.Printf("Last sync:  %s\n", ui.RenderDim("never"))
		}

		fmt.Printf("Cache:      %s\n", ui.RenderDim(viper.GetString("cache_path")))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
