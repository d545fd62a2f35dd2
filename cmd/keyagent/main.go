package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/rcourtman/keyagent/internal/config"
	"github.com/rcourtman/keyagent/internal/keystore"
	"github.com/rcourtman/keyagent/internal/logging"
	"github.com/rcourtman/keyagent/internal/populate"
	"github.com/rcourtman/keyagent/internal/sshagent"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type rootOptions struct {
	configPath string
	database   string
	logLevel   string
	logFormat  string
}

// exitError carries a non-zero exit status whose message was already written.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "keyagent",
		Short:         "keyagent - load credential store SSH keys into a running agent",
		Long:          `Adds SSH keys held in a credential database to the running SSH agent and removes them again when the command is stopped`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file (default: $XDG_CONFIG_HOME/keyagent/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.database, "database", "", "Path to the credential database (.yaml or .db)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, disabled)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (auto, console, json)")

	rootCmd.AddCommand(newPopulateCmd(opts))
	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "keyagent %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func newPopulateCmd(opts *rootOptions) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "populate [entry]",
		Short: "Add keys to the SSH agent and remove them when a quit signal is received",
		Long: `Adds keys to the SSH agent, and removes them when a quit signal is received.

entry is the path of the entry (for example Servers/db01). If not specified,
defaults to adding all keys specified to load on database open.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return runPopulate(cmd, opts, target, quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Silence status output (errors are still printed)")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the keys currently held by the SSH agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			client := sshagent.NewClient(cfg.Agent.Enabled, cfg.Agent.Socket, sshagent.WithTimeout(cfg.Agent.Timeout))
			defer client.Close()

			if !client.Enabled() {
				return errors.New("the SSH agent is not enabled")
			}
			keys, err := client.List()
			if err != nil {
				return fmt.Errorf("list identities from %s: %w", client.Socket(), err)
			}

			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "The agent has no identities.")
				return nil
			}
			for i, key := range keys {
				fmt.Fprintf(out, "Key %d: %s %s (%s)\n", i+1, ssh.FingerprintSHA256(key), key.Comment, key.Format)
			}
			return nil
		},
	}
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.database != "" {
		cfg.Database = opts.database
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "keyagent",
	})
	return cfg, nil
}

func runPopulate(cmd *cobra.Command, opts *rootOptions, target string, quiet bool) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return errors.New("no database configured (use --database or KEYAGENT_DATABASE)")
	}

	db, err := keystore.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	ctx, logger := logging.WithSessionID(cmd.Context(), "")
	client := sshagent.NewClient(cfg.Agent.Enabled, cfg.Agent.Socket,
		sshagent.WithTimeout(cfg.Agent.Timeout),
		sshagent.WithErrorHandler(func(err error) {
			logger.Debug().Err(err).Msg("SSH agent reported a failure")
		}),
	)
	defer client.Close()

	logger.Debug().
		Str("database", cfg.Database).
		Str("socket", client.Socket()).
		Str("entry", target).
		Msg("Starting populate")

	var out io.Writer = cmd.OutOrStdout()
	if quiet {
		out = io.Discard
	}

	session := populate.New(populate.Options{
		Agent:    client,
		Database: db,
		Out:      out,
		Err:      cmd.ErrOrStderr(),
		Logger:   &logger,
	})
	outcome := session.Run(ctx, target)
	if !outcome.Success() {
		return &exitError{code: outcome.ExitCode(), err: outcome.Err}
	}
	return nil
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
