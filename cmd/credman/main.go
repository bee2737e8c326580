package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codechat/credman/internal/config"
	"github.com/codechat/credman/internal/logger"
	"github.com/codechat/credman/internal/manager"
	"github.com/codechat/credman/internal/store"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "credman",
		Short:         "Local OAuth2 credential manager",
		Long:          "credman acquires, stores, and refreshes OAuth2 credentials for configured providers.\nTokens are kept encrypted on disk and refreshed automatically before they expire.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to providers.yaml (default: $CREDMAN_CONFIG or ~/.config/credman/providers.yaml)")

	rootCmd.AddCommand(loginCmd(), tokenCmd(), listCmd(), logoutCmd(), clearCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "credman: %v\n", err)
		os.Exit(1)
	}
}

// open builds the manager and loads the provider configuration. The
// caller owns Close.
func open() (*manager.Manager, *config.File, error) {
	dir, err := store.DefaultDir()
	if err != nil {
		return nil, nil, err
	}
	st := store.NewFileStore(dir)
	if err := st.Initialize(); err != nil {
		return nil, nil, err
	}

	path := configPath
	if path == "" {
		if path, err = config.DefaultPath(); err != nil {
			return nil, nil, err
		}
	}
	providers, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	return manager.New(manager.Config{Store: st}), providers, nil
}

func providerConfig(providers *config.File, name string) (*config.FlowConfig, error) {
	cfg, ok := providers.Provider(name)
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return cfg, nil
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <provider>",
		Short: "Run the interactive authorization flow for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, providers, err := open()
			if err != nil {
				return err
			}
			defer m.Close()

			cfg, err := providerConfig(providers, args[0])
			if err != nil {
				return err
			}
			rec, err := m.Authenticate(cmd.Context(), args[0], cfg)
			if err != nil {
				return err
			}
			logger.Get().Info().Str("provider", rec.Provider).Msg("authenticated")
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s.\n", rec.Provider)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <provider>",
		Short: "Print a currently valid access token, refreshing or re-authenticating if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, providers, err := open()
			if err != nil {
				return err
			}
			defer m.Close()

			// A missing config is not fatal here: a stored token with
			// lifetime left needs no flow configuration.
			cfg, _ := providers.Provider(args[0])
			tok, err := m.GetValidToken(cmd.Context(), args[0], cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show stored credentials and their expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := open()
			if err != nil {
				return err
			}
			defer m.Close()

			statuses := m.List()
			if len(statuses) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored credentials.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tEXPIRY\tREFRESH")
			for _, s := range statuses {
				refresh := "no"
				if s.HasRefresh {
					refresh = "yes"
				}
				expiry := s.Remaining
				if s.NeedsReauth {
					expiry += " (re-authentication required)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Provider, expiry, refresh)
			}
			return w.Flush()
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "logout <provider>",
		Aliases: []string{"revoke"},
		Short:   "Remove a provider's stored credential",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := open()
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Revoke(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed credentials for %s.\n", args[0])
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := open()
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All stored credentials removed.")
			return nil
		},
	}
}
