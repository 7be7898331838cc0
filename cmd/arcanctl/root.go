package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/broomva/arcan/internal/agent"
	"github.com/broomva/arcan/internal/config"
	"github.com/broomva/arcan/internal/session"
	"github.com/broomva/arcan/internal/store"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	dbPath  string
	output  string
	verbose bool
	logger  *slog.Logger
	closers []func() error
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "arcanctl",
		Short: "Inspect and drive Arcan chat sessions",
		Long: `arcanctl works directly against the Arcan SQLite database.

Quick Start:
  arcanctl chat alice "hello"              # Run one turn for alice
  arcanctl history show alice              # Print alice's transcript
  arcanctl conversations list alice -n 5   # Last five audit records`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !validOutput(opts.output) {
				return fmt.Errorf("unsupported output format %q (want text, json or yaml)", opts.output)
			}
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "Path to the SQLite database (defaults to DB_PATH or the server default)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", outputText, "Output format: text, json or yaml")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(
		newHistoryCmd(opts),
		newConversationsCmd(opts),
		newChatCmd(opts),
	)
	return cmd
}

// openRegistry opens the database and builds a registry around it. Only commands that
// run turns need a real processor; the rest use the echo processor.
func (o *rootOptions) openRegistry(ctx context.Context, inference bool) (*session.Registry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	dbPath := cfg.DBPath
	if o.dbPath != "" {
		dbPath = o.dbPath
	}

	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var processor agent.Processor = agent.NewEchoProcessor("")
	if inference {
		processor, err = agent.NewProcessor(ctx, agent.Config{
			Provider:       cfg.Agent.Provider,
			Model:          cfg.Agent.Model,
			APIKey:         cfg.Agent.APIKey,
			BaseURL:        cfg.Agent.BaseURL,
			SystemPrompt:   cfg.Agent.SystemPrompt,
			MaxTokens:      cfg.Agent.MaxTokens,
			Temperature:    cfg.Agent.Temperature,
			MaxRetries:     cfg.Agent.MaxRetries,
			GrpcAddr:       cfg.Agent.GrpcAddr,
			RequestTimeout: cfg.Agent.RequestTimeout,
		}, o.logger)
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
	}

	reg, err := session.NewRegistry(repo, processor, session.Config{
		MaxEntries:     1,
		HistoryWindow:  cfg.Registry.HistoryWindow,
		SystemPrompt:   cfg.Agent.SystemPrompt,
		PersistTimeout: cfg.Registry.PersistTimeout,
	}, o.logger)
	if err != nil {
		_ = processor.Close()
		_ = repo.Close()
		return nil, err
	}

	o.closers = append(o.closers, reg.Close, repo.Close)
	return reg, nil
}

func (o *rootOptions) close(w io.Writer) {
	for _, c := range o.closers {
		if err := c(); err != nil {
			fmt.Fprintf(w, "warning: %v\n", err)
		}
	}
	o.closers = nil
}
