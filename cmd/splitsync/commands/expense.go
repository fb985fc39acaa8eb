package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/ledgerlite/splitsync/internal/identity"
	"github.com/ledgerlite/splitsync/internal/model"
	"github.com/ledgerlite/splitsync/internal/syncer"
	"github.com/ledgerlite/splitsync/internal/ui"
)

var expenseCmd = &cobra.Command{
	Use:   "expense",
	Short: "Manage expenses",
}

var (
	expenseGroup  string
	expensePaidBy string
	expenseSplit  string
	expenseWhen   string
)

var expenseAddCmd = &cobra.Command{
	Use:   "add <description> <amount>",
	Short: "Add an expense to a group",
	Long: `Add an expense to the local cache; it is pushed on the next sync.

The per-person share is derived from the split list. --when accepts
natural language ("yesterday", "last friday at 8pm") for backdated
expenses.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		user := currentUser()
		if user == nil {
			return syncer.ErrNoCurrentUser
		}

		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[1])
		}

		createdAt := time.Now()
		if expenseWhen != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)
			result, err := w.Parse(expenseWhen, time.Now())
			if err != nil || result == nil {
				return fmt.Errorf("could not understand date %q", expenseWhen)
			}
			createdAt = result.Time
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		groups, err := a.cache.LoadGroups(ctx)
		if err != nil {
			return err
		}
		var group *model.Group
		for _, g := range groups {
			if g.LocalID == expenseGroup || g.RemoteID == expenseGroup || g.Name == expenseGroup {
				group = g
				break
			}
		}
		if group == nil {
			return fmt.Errorf("unknown group %q", expenseGroup)
		}

		paidBy := expensePaidBy
		if paidBy == "" {
			paidBy = user.ID
		}
		split := splitList(expenseSplit)
		if len(split) == 0 {
			split = group.Members
		}

		expense := &model.Expense{
			LocalID:      identity.NewLocalID(args[0]),
			GroupRef:     group.LocalID,
			Description:  args[0],
			Amount:       amount,
			PaidBy:       paidBy,
			SplitBetween: split,
			CreatedBy:    user.ID,
			CreatedAt:    createdAt,
		}
		expense.SetDefaults()
		if err := expense.Validate(); err != nil {
			return err
		}

		group.Expenses = append(group.Expenses, expense)
		group.UpdateTimestamp()
		if err := a.cache.SaveGroups(ctx, groups); err != nil {
			return err
		}

		fmt.Printf("%s Added %s (%.2f, %.2f per person) to %s\n",
			ui.RenderPass("✓"), ui.RenderAccent(expense.Description),
			expense.Amount, expense.PerPersonAmount, group.Name)
		return nil
	},
}

var expenseDeleteCmd = &cobra.Command{
	Use:   "delete <expense>",
	Short: "Delete an expense",
	Long: `Delete an expense locally and remotely.

Offline deletions are accepted immediately and queued; the queue is
replayed when connectivity resumes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.DeleteExpense(ctx, args[0]); err != nil {
			return err
		}

		fmt.Printf("%s Deleted expense %s\n", ui.RenderPass("✓"), args[0])
		return nil
	},
}

func init() {
	expenseAddCmd.Flags().StringVar(&expenseGroup, "group", "", "group local ID or name (required)")
	expenseAddCmd.Flags().StringVar(&expensePaidBy, "paid-by", "", "who paid (defaults to you)")
	expenseAddCmd.Flags().StringVar(&expenseSplit, "split", "", "comma-separated people to split between (defaults to all members)")
	expenseAddCmd.Flags().StringVar(&expenseWhen, "when", "", "when it happened, in natural language")
	_ = expenseAddCmd.MarkFlagRequired("group")

	expenseCmd.AddCommand(expenseAddCmd)
	expenseCmd.AddCommand(expenseDeleteCmd)
	rootCmd.AddCommand(expenseCmd)
}
