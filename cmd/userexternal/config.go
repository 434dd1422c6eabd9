package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/credential"
	"github.com/nhle/userexternal/internal/model"
	"github.com/nhle/userexternal/internal/theme"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect the configuration",
	}
	cmd.AddCommand(newConfigInitCmd(g), newConfigValidateCmd(g), newConfigSecretCmd())
	return cmd
}

func newConfigInitCmd(g *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(g.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", g.configPath)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			if err := model.SaveConfig(g.configPath, model.DefaultAppConfig()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.SuccessStyle.Render("wrote "+g.configPath))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func newConfigValidateCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and open every backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, b := range a.chain.Backends() {
				fmt.Fprintln(out, theme.KindStyle(b.Kind()).Render(string(b.Kind()))+b.ID())
			}
			var kinds []string
			for _, k := range backend.Registered() {
				kinds = append(kinds, string(k))
			}
			fmt.Fprintln(out, theme.HelpStyle.Render("available types: "+strings.Join(kinds, ", ")))
			return nil
		},
	}
}

func newConfigSecretCmd() *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "set-secret <key>",
		Short: "Store a secret in the system keyring for use as keyring:<key>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readPassword(cmd.InOrStdin(), "Secret for "+args[0], fromStdin)
			if err != nil {
				return err
			}
			if err := credential.Set(args[0], secret); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.SuccessStyle.Render("stored "+credential.RefPrefix+args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the secret from the first line of stdin")
	return cmd
}
