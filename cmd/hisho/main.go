// Command hisho runs the personal assistant and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bdobrica/Hisho/common/version"
	"github.com/bdobrica/Hisho/internal/hisho/app"
	"github.com/bdobrica/Hisho/internal/hisho/assistant"
	"github.com/bdobrica/Hisho/internal/hisho/config"
	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
	"github.com/bdobrica/Hisho/internal/hisho/observability"
)

var cfgPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hisho",
		Short: "Hisho - a personal assistant that asks before it acts",
		Long: `Hisho turns chat and voice messages into calendar events, tasks,
shopping items and notes. Every write waits for your confirmation.

Start the assistant:     hisho serve
Show the configuration:  hisho config show
Purge old data:          hisho cleanup --days 30`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./hisho.yaml or /etc/hisho/hisho.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API, chat channels and background jobs",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.Info())
			},
		},
		configCmd(),
		cleanupCmd(),
		confirmCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.New(), cfgPath)
	if err != nil {
		return nil, err
	}
	observability.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if out, err := cfg.Redacted(); err == nil {
		slog.Debug("Configuration loaded", "config", out)
	}
	slog.Info("Starting Hisho", "version", version.Version, "commit", version.GitCommit, "built", version.BuildTime)

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize Hisho: %w", err)
	}
	defer a.Close()
	return a.Run(ctx)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.Redacted()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "\nwarning: configuration is not valid for serve:\n%v\n", err)
			}
			return nil
		},
	})
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old confirmations, history and cached audio now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if days <= 0 {
				days = cfg.Retention.Days
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			core, err := app.OpenCore(ctx, cfg)
			if err != nil {
				return err
			}
			defer core.Close()

			s, err := core.Sweeper(days)
			if err != nil {
				return err
			}
			rep, err := s.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d confirmations, %d messages, %d usage rows and %d audio files older than %d days\n",
				rep.Confirmations, rep.Messages, rep.Usage, rep.AudioFiles, days)
			return err
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "keep data newer than this many days (default retention.days)")
	return cmd
}

func confirmCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "confirm <id> yes|no",
		Short: "Resolve a pending confirmation from the command line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			answer := confirmations.DetectAnswer(args[1])
			if answer == confirmations.AnswerUnknown {
				return fmt.Errorf("answer must be yes or no, got %q", args[1])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if userID == "" {
				userID = cfg.Dispatch.AnonymousUser
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			core, err := app.OpenCore(ctx, cfg)
			if err != nil {
				return err
			}
			defer core.Close()

			a := assistant.New(nil, core.Dispatcher, core.Store)
			reply, err := a.Confirm(ctx, assistant.ConfirmRequest{
				ID:        args[0],
				Approved:  answer == confirmations.AnswerYes,
				UserID:    userID,
				Interface: assistant.InterfaceCLI,
			})
			if reply != nil {
				fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id that owns the confirmation (default dispatch.anonymous_user)")
	return cmd
}
