package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nhle/userexternal/internal/store"
	"github.com/nhle/userexternal/internal/theme"
)

func newUsersCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Inspect and manage stored identities",
	}
	cmd.AddCommand(newUsersListCmd(g), newUsersDeleteCmd(g), newUsersRenameCmd(g))
	return cmd
}

func newUsersListCmd(g *globalOptions) *cobra.Command {
	f := store.UserFilter{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identities stored for a backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			names, err := a.users.DisplayNames(ctx, f)
			if err != nil {
				return err
			}
			total, err := a.users.CountUsers(ctx, f.Backend)
			if err != nil {
				return err
			}

			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
				Headers("UID", "DISPLAY NAME").
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return theme.HeaderStyle
					}
					return lipgloss.NewStyle().Padding(0, 1)
				})
			uids := slices.Sorted(maps.Keys(names))
			for _, uid := range uids {
				t.Row(uid, names[uid])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, t.Render())
			fmt.Fprintln(out, theme.HelpStyle.Render(fmt.Sprintf("%d of %d identities for %s", len(uids), total, f.Backend)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.Backend, "backend", "b", "", "Backend id")
	cmd.Flags().StringVarP(&f.Search, "search", "s", "", "Match uid or display name")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "Maximum number of identities, 0 for all")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "Number of identities to skip")
	cmd.MarkFlagRequired("backend")
	return cmd
}

func newUsersDeleteCmd(g *globalOptions) *cobra.Command {
	var backendID string
	cmd := &cobra.Command{
		Use:   "delete <uid>",
		Short: "Forget a stored identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.users.DeleteUser(cmd.Context(), args[0], backendID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.SuccessStyle.Render("deleted "+args[0]))
			return nil
		},
	}
	cmd.Flags().StringVarP(&backendID, "backend", "b", "", "Backend id")
	cmd.MarkFlagRequired("backend")
	return cmd
}

func newUsersRenameCmd(g *globalOptions) *cobra.Command {
	var backendID string
	cmd := &cobra.Command{
		Use:   "rename <uid> <display name>",
		Short: "Set the display name of a stored identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := a.users.SetDisplayName(cmd.Context(), args[0], backendID, args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", store.ErrUserNotFound, args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.SuccessStyle.Render(args[0]+" is now "+args[1]))
			return nil
		},
	}
	cmd.Flags().StringVarP(&backendID, "backend", "b", "", "Backend id")
	cmd.MarkFlagRequired("backend")
	return cmd
}
