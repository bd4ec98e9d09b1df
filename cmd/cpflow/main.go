package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/budgetdash/cpflow/internal/config"
	"github.com/budgetdash/cpflow/internal/logging"
	"github.com/budgetdash/cpflow/internal/telemetry"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	command := resolveCommandName(args)
	options := []logging.Option{
		logging.WithRunID(uuid.NewString()),
		logging.WithRetention(cfg.LogMaxSizeBytes, cfg.LogMaxFiles),
	}
	if command == "serve" {
		options = append(options, logging.WithMirror(os.Stderr))
	}
	logger, err := logging.New(ctx, options...)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	if telemetry.Configured(cfg.OTelEndpoint) {
		shutdown, err := telemetry.Init(ctx, cfg.OTelEndpoint)
		if err != nil {
			return fmt.Errorf("initialize telemetry: %w", err)
		}
		defer shutdown()
	}

	logger.Logger.With("command", command, "args", redactArgs(args)).Debug("cpflow invocation")

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.Logger.With("command", command, "error", err).Error("command failed")
		return err
	}

	return nil
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return buildRootCommand(newApp(cfg, logger))
}

func buildRootCommand(a *app) *cobra.Command {
	cfg, logger := a.cfg, a.logger

	root := &cobra.Command{
		Use:           "cpflow",
		Short:         "Track crédit de paiement forecasts from prévu to mobilisé",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	var storeOverride, actorOverride string
	root.PersistentFlags().StringVar(&storeOverride, "store", "", "override the configured store (memory, postgres, rest)")
	root.PersistentFlags().StringVar(&actorOverride, "actor", "", "name recorded on every change")

	root.AddCommand(
		newStatusesCommand(),
		newNextCommand(),
		newLateCommand(a),
		newFormatCommand(a),
		newCreateCommand(a),
		newShowCommand(a),
		newListCommand(a),
		newMobilizeCommand(a),
		newSweepLateCommand(a),
		newServeCommand(a),
		newDBCommand(a),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		if value := strings.ToLower(strings.TrimSpace(storeOverride)); value != "" {
			cfg.Store = value
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		if value := strings.TrimSpace(actorOverride); value != "" {
			cfg.Actor = value
		}
		logger.With("command", cmd.Name(), "store", cfg.Store).Debug("command invocation")
		return nil
	}

	return root
}

// resolveCommandName returns the first non-flag argument, or "root".
func resolveCommandName(args []string) string {
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		trimmed := strings.TrimSpace(arg)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "-") {
			if (trimmed == "--store" || trimmed == "--actor") && !strings.Contains(trimmed, "=") {
				skipNext = true
			}
			continue
		}
		return trimmed
	}
	return "root"
}

// redactArgs masks values following or attached to credential-looking flags
// so invocations can be logged.
func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if key, _, found := strings.Cut(trimmed, "="); found && isSensitiveToken(strings.ToLower(key)) {
			redacted = append(redacted, key+"=<redacted>")
			continue
		}
		if strings.HasPrefix(trimmed, "-") && isSensitiveToken(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"api_key",
		"apikey",
		"auth",
		"bearer",
		"dsn",
		"database_url",
	} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}
