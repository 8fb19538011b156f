package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/faceguard/internal/auth"
	"github.com/example/faceguard/internal/config"
	"github.com/example/faceguard/internal/logging"
)

type rootOptions struct {
	configPath string
}

// setup loads the configuration and builds the logger shared by every command.
func (o *rootOptions) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	for _, warning := range cfg.Warnings {
		logger.Warn("config value ignored", zap.String("detail", warning))
	}
	return cfg, logger, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCommand(opts)

	root := &cobra.Command{
		Use:          "faceguard",
		Short:        "Liveness-gated face enrollment and verification service",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (default $"+config.PathEnv+")")
	root.AddCommand(serve, newStoreCommand(opts), newTokenCommand(opts))
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func newStoreCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect or reset the embedding store",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print the number of enrolled identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			identities := openStore(cfg, logger)

			dims := 0
			names := make(map[string]struct{})
			for _, r := range identities.Records() {
				names[r.Name] = struct{}{}
				dims = max(dims, len(r.Embedding))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path: %s\n", identities.Path())
			fmt.Fprintf(out, "records: %d\n", identities.Len())
			fmt.Fprintf(out, "distinct names: %d\n", len(names))
			fmt.Fprintf(out, "embedding dims: %d\n", dims)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List enrolled identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			identities := openStore(cfg, logger)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDIMS")
			for _, r := range identities.Records() {
				fmt.Fprintf(w, "%s\t%s\t%d\n", r.ID, r.Name, len(r.Embedding))
			}
			return w.Flush()
		},
	}

	var confirm bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every enrolled identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to clear the store without --yes")
			}
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			identities := openStore(cfg, logger)
			removed := identities.Len()
			identities.Clear()
			if err := identities.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d records from %s\n", removed, identities.Path())
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&confirm, "yes", false, "confirm the deletion")

	cmd.AddCommand(stats, list, clearCmd)
	return cmd
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(cfg.JWT.Secret, cfg.JWT.Audience, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
