package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/VsevolodSauta/backfila"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

const (
	programName = "backfila"
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...),
		"component", programName,
	)
}

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

func commonRun(cfg *backfila.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	addSource := false
	if globalFlags.debug {
		logLevel = slog.LevelDebug
		addSource = true
	}
	opts := &slog.HandlerOptions{
		AddSource: addSource,
		Level:     logLevel,
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	// Configure max processes with our logger wrapper, toss undo func
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	return logger
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Run and operate backfills",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := backfila.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cmd.SetContext(backfila.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(configureCommand())
	rootCmd.AddCommand(createCommand())
	rootCmd.AddCommand(toggleCommand("start", "Start or resume a backfill run", (*backfila.ServiceClient).StartBackfill))
	rootCmd.AddCommand(toggleCommand("pause", "Pause a running backfill run", (*backfila.ServiceClient).PauseBackfill))
	rootCmd.AddCommand(toggleCommand("cancel", "Cancel a backfill run", (*backfila.ServiceClient).CancelBackfill))
	rootCmd.AddCommand(statusCommand())
	return rootCmd
}

func main() {
	// cobra prints the error itself
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
