package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ledgerlite/splitsync/internal/cache"
	"github.com/ledgerlite/splitsync/internal/model"
	"github.com/ledgerlite/splitsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Pick or create the local identity",
	Long: `Select one of the recently used identities or create a new one.

The chosen identity is written to the config file and used as the current
user for sync, deletion votes and realtime filtering. Up to ten previous
identities are remembered, most recent first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		store, err := cache.Open(viper.GetString("cache_path"), newLogger("[cache] "))
		if err != nil {
			return err
		}
		defer store.Close()

		previous, err := store.PreviousUsers(ctx)
		if err != nil {
			return err
		}

		user, err := pickUser(previous)
		if err != nil {
			return err
		}

		if err := store.RememberUser(ctx, *user); err != nil {
			return err
		}

		viper.Set("user", user.ID)
		viper.Set("user_name", user.Name)
		if err := viper.WriteConfigAs(configPath()); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("%s Logged in as %s (%s)\n", ui.RenderPass("✓"), ui.RenderAccent(user.ID), user.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

const newIdentity = "__new__"

// pickUser runs the interactive identity selection.
func pickUser(previous []model.PreviousUser) (*model.User, error) {
	choice := newIdentity
	if len(previous) > 0 {
		options := make([]huh.Option[string], 0, len(previous)+1)
		for _, u := range previous {
			label := fmt.Sprintf("%s (%s, last used %s)", u.ID, u.Name, u.LastUsed.Format("2006-01-02"))
			options = append(options, huh.NewOption(label, u.ID))
		}
		options = append(options, huh.NewOption("New identity...", newIdentity))

		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("Who are you?").
				Options(options...).
				Value(&choice),
		))
		if err := form.Run(); err != nil {
			return nil, err
		}
	}

	if choice != newIdentity {
		for _, u := range previous {
			if u.ID == choice {
				return &model.User{ID: u.ID, Name: u.Name, CreatedAt: time.Now()}, nil
			}
		}
	}

	var id, name string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("User ID (3-20 letters and digits)").
			Value(&id).
			Validate(model.ValidateUserID),
		huh.NewInput().
			Title("Display name").
			Value(&name).
			Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("name is required")
				}
				return nil
			}),
	))
	if err := form.Run(); err != nil {
		return nil, err
	}

	return &model.User{ID: id, Name: name, CreatedAt: time.Now()}, nil
}
