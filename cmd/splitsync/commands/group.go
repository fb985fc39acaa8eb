package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerlite/splitsync/internal/deletion"
	"github.com/ledgerlite/splitsync/internal/identity"
	"github.com/ledgerlite/splitsync/internal/model"
	"github.com/ledgerlite/splitsync/internal/syncer"
	"github.com/ledgerlite/splitsync/internal/ui"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage expense groups",
}

var (
	groupMembers      string
	groupParticipants string
)

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group locally",
	Long: `Create a group in the local cache. The creator is always a member.

Members are registered user IDs; participants are free-text names for
people without an account. The group is pushed to the backend on the next
sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		user := currentUser()
		if user == nil {
			return syncer.ErrNoCurrentUser
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		group := &model.Group{
			LocalID:      identity.NewLocalID(args[0]),
			Name:         args[0],
			CreatedBy:    user.ID,
			Members:      splitList(groupMembers),
			Participants: splitList(groupParticipants),
		}
		if !group.HasMember(user.ID) {
			group.Members = append([]string{user.ID}, group.Members...)
		}
		group.SetDefaults()
		if err := group.Validate(); err != nil {
			return err
		}

		groups, err := a.cache.LoadGroups(ctx)
		if err != nil {
			return err
		}
		groups = append(groups, group)
		if err := a.cache.SaveGroups(ctx, groups); err != nil {
			return err
		}

		fmt.Printf("%s Created group %s (%s)\n", ui.RenderPass("✓"), ui.RenderAccent(group.Name), group.LocalID)
		return nil
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups in the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		groups, err := a.cache.LoadGroups(ctx)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No groups yet. Create one with 'splitsync group create'.")
			return nil
		}

		for _, g := range groups {
			state := ""
			if g.Deletion.Pending {
				state = " " + ui.RenderWarn(fmt.Sprintf("[deletion pending, %d/%d confirmed]",
					len(g.Deletion.ConfirmedBy), len(g.Members)))
			}
			synced := ui.RenderDim("local only")
			if g.RemoteID != "" {
				synced = ui.RenderDim("synced")
			}
			fmt.Printf("%s (%s): %d expenses, total %.2f, members: %s [%s]%s\n",
				ui.RenderAccent(g.Name), g.LocalID, len(g.Expenses), g.TotalExpenses,
				strings.Join(g.Members, ", "), synced, state)
		}
		return nil
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete <group>",
	Short: "Request deletion of a group",
	Long: `Start the collaborative deletion workflow.

A group you alone created and belong to is deleted immediately. Otherwise
the group is marked pending and every other member must confirm before it
is physically removed; any member can cancel with 'group restore'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProtocol(func(ctx context.Context, p *deletion.Protocol) error {
			return p.Initiate(ctx, args[0])
		})
	},
}

var groupConfirmCmd = &cobra.Command{
	Use:   "confirm-delete <group>",
	Short: "Confirm a pending group deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProtocol(func(ctx context.Context, p *deletion.Protocol) error {
			return p.Confirm(ctx, args[0])
		})
	},
}

var groupRestoreCmd = &cobra.Command{
	Use:   "restore <group>",
	Short: "Cancel a pending group deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProtocol(func(ctx context.Context, p *deletion.Protocol) error {
			return p.Restore(ctx, args[0])
		})
	},
}

func init() {
	groupCreateCmd.Flags().StringVar(&groupMembers, "members", "", "comma-separated registered user IDs")
	groupCreateCmd.Flags().StringVar(&groupParticipants, "participants", "", "comma-separated display names")

	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupDeleteCmd)
	groupCmd.AddCommand(groupConfirmCmd)
	groupCmd.AddCommand(groupRestoreCmd)
	rootCmd.AddCommand(groupCmd)
}

// withProtocol wires the deletion protocol and runs one operation,
// followed by a best-effort immediate sync so votes propagate promptly.
func withProtocol(fn func(context.Context, *deletion.Protocol) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	protocol, err := deletion.New(deletion.Config{
		Engine:      a.engine,
		CurrentUser: currentUser,
		Observer:    consoleObserver{},
		Logger:      newLogger("[deletion] "),
	})
	if err != nil {
		return err
	}

	if err := fn(ctx, protocol); err != nil {
		return err
	}

	if a.conn.IsOnline() {
		if err := a.engine.SyncAll(ctx); err != nil {
			a.logger.Printf("Warning: post-vote sync failed: %v", err)
		}
	}
	return nil
}

// consoleObserver surfaces notifications on stdout; refresh callbacks are
// meaningless for one-shot commands.
type consoleObserver struct{}

func (consoleObserver) RefreshGroupList() {}
func (consoleObserver) RefreshOpenGroup() {}
func (consoleObserver) Notify(message string) {
	fmt.Printf("%s %s\n", ui.RenderAccent("•"), message)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
