package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nhle/userexternal/internal/backend"
	_ "github.com/nhle/userexternal/internal/backend/basicauth"
	_ "github.com/nhle/userexternal/internal/backend/httpauth"
	_ "github.com/nhle/userexternal/internal/backend/imap"
	_ "github.com/nhle/userexternal/internal/backend/mysql"
	_ "github.com/nhle/userexternal/internal/backend/rest"
	_ "github.com/nhle/userexternal/internal/backend/smb"
	_ "github.com/nhle/userexternal/internal/backend/ssh"
	_ "github.com/nhle/userexternal/internal/backend/webdav"
	_ "github.com/nhle/userexternal/internal/backend/xmpp"
	"github.com/nhle/userexternal/internal/credential"
	"github.com/nhle/userexternal/internal/logging"
	"github.com/nhle/userexternal/internal/metrics"
	"github.com/nhle/userexternal/internal/model"
	"github.com/nhle/userexternal/internal/store"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath  string
	showVersion bool
}

func newRootCmd() *cobra.Command {
	o := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:          "userexternal",
		Short:        "Authenticate users against external password sources",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.showVersion {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "userexternal %s", version)
				if commit != "" {
					fmt.Fprintf(out, " (%s)", commit)
				}
				fmt.Fprintln(out)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", model.DefaultConfigPath(), "Path to the YAML configuration file")
	rootCmd.Flags().BoolVarP(&o.showVersion, "version", "v", false, "Print version and exit")

	rootCmd.AddCommand(
		newCheckCmd(o),
		newServeCmd(o),
		newUsersCmd(o),
		newConfigCmd(o),
	)
	return rootCmd
}

// app holds everything a command needs once configuration is loaded.
type app struct {
	cfg      *model.AppConfig
	logger   *slog.Logger
	users    *store.SQLiteStore
	registry *prometheus.Registry
	chain    *backend.Chain
	backends []backend.Backend
}

// loadConfig reads the configuration and resolves keyring references.
func loadConfig(o *globalOptions) (*model.AppConfig, error) {
	cfg, err := model.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolveSecrets(credential.NewResolver().Resolve); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}
	return cfg, nil
}

// openStore opens the identity database, creating its directory.
func openStore(path string) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return store.NewSQLiteStore(path)
}

// setup loads configuration and opens the store and every backend. When
// withBackends is false only the store is opened.
func setup(o *globalOptions, logOut io.Writer, withBackends bool) (*app, error) {
	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logging.NewWithWriter(cfg.Logging, logOut),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.users, err = openStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if !withBackends {
		return a, nil
	}

	m := metrics.New(a.registry)
	a.backends, err = backend.OpenAll(cfg.Backends, backend.Deps{
		Store:      a.users,
		Logger:     a.logger,
		HTTPClient: backend.NewHTTPClient(cfg.HTTP),
		Metrics:    m,
	})
	if err != nil {
		a.users.Close()
		return nil, err
	}
	a.chain = backend.NewChain(a.backends, a.logger, m)
	return a, nil
}

// Close releases the store and any backend holding a connection pool.
func (a *app) Close() {
	for _, b := range a.backends {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				a.logger.Error("closing backend", slog.String("backend_id", b.ID()), slog.String("error", err.Error()))
			}
		}
	}
	if err := a.users.Close(); err != nil {
		a.logger.Error("closing store", slog.String("error", err.Error()))
	}
}
