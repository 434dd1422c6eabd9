package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/theme"
)

type checkOptions struct {
	backendID     string
	passwordStdin bool
}

func newCheckCmd(g *globalOptions) *cobra.Command {
	o := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check <uid>",
		Short: "Check a password against the configured backends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, g, o, args[0])
		},
	}
	cmd.Flags().StringVarP(&o.backendID, "backend", "b", "", "Only try the backend with this id")
	cmd.Flags().BoolVar(&o.passwordStdin, "password-stdin", false, "Read the password from the first line of stdin")
	return cmd
}

func runCheck(cmd *cobra.Command, g *globalOptions, o *checkOptions, uid string) error {
	password, err := readPassword(cmd.InOrStdin(), "Password for "+uid, o.passwordStdin)
	if err != nil {
		return err
	}

	a, err := setup(g, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var res backend.Result
	if o.backendID != "" {
		b, ok := a.chain.Lookup(o.backendID)
		if !ok {
			return fmt.Errorf("no backend with id %q", o.backendID)
		}
		res.Backend = b
		res.UID, err = a.chain.Check(ctx, b, uid, password)
	} else {
		res, err = a.chain.Authenticate(ctx, uid, password)
	}

	out := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintln(out, renderFailure(uid, err))
		return errors.New("authentication failed")
	}
	fmt.Fprintln(out, renderSuccess(res))
	return nil
}

// readPassword takes the secret from the first line of in when fromStdin
// is set, and otherwise prompts on the terminal.
func readPassword(in io.Reader, title string, fromStdin bool) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", errors.New("stdin is not a terminal: use --password-stdin")
	}

	var password string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				EchoMode(huh.EchoModePassword).
				Value(&password),
		),
	).Run()
	if err != nil {
		return "", err
	}
	return password, nil
}

func renderSuccess(res backend.Result) string {
	rows := []string{
		theme.SuccessStyle.Render("authenticated"),
		theme.LabelStyle.Render("uid") + res.UID,
		theme.LabelStyle.Render("backend") + res.Backend.ID() + theme.KindStyle(res.Backend.Kind()).Render(string(res.Backend.Kind())),
	}
	return theme.PanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func renderFailure(uid string, err error) string {
	rows := []string{
		theme.ClassStyle(backend.ClassRejected).Render("not authenticated"),
		theme.LabelStyle.Render("uid") + uid,
	}
	for _, e := range failures(err) {
		var be *backend.Error
		if !errors.As(e, &be) {
			rows = append(rows, theme.HelpStyle.Render(e.Error()))
			continue
		}
		rows = append(rows, be.Backend+" "+theme.ClassStyle(be.Class).Render(be.Class.String()))
		if be.Err != nil {
			rows = append(rows, theme.HelpStyle.Render("  "+be.Op+": "+be.Err.Error()))
		}
	}
	return theme.PanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// failures splits the joined result of a chain run into one error per
// backend.
func failures(err error) []error {
	if _, ok := err.(*backend.Error); ok {
		return []error{err}
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
