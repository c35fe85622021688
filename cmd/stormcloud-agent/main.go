package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stormcloud/backup/pkg/agent"
	"github.com/stormcloud/backup/pkg/drivemonitor"
	"github.com/stormcloud/backup/pkg/events"
	"github.com/stormcloud/backup/pkg/log"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "stormcloud-agent",
	Short:   "Stormcloud backup agent",
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("stormcloud-agent version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("settings-file", "./settings.cfg", "Path to the agent's settings file")
	rootCmd.Flags().String("hash-db", "", "Path to the hash index database (defaults next to settings-file)")
	rootCmd.Flags().Bool("ignore-hash-db", false, "Bypass change detection and upload every discovered file")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runAgent(cmd *cobra.Command, args []string) error {
	settingsFile, _ := cmd.Flags().GetString("settings-file")
	hashDB, _ := cmd.Flags().GetString("hash-db")
	ignoreHashDB, _ := cmd.Flags().GetBool("ignore-hash-db")

	if _, err := os.Stat(settingsFile); err != nil {
		return fmt.Errorf("settings file unreachable: %w", err)
	}

	installDir := filepath.Dir(settingsFile)
	if hashDB == "" {
		hashDB = filepath.Join(installDir, "schash.db")
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	o, err := agent.New(agent.Config{
		SettingsPath:  settingsFile,
		HashDBPath:    hashDB,
		HistoryDBPath: filepath.Join(installDir, "history", "history.db"),
		ManifestDir:   filepath.Join(installDir, "file_explorer", "manifest"),
		IgnoreHashDB:  ignoreHashDB,
		Mounts:        drivemonitor.NewProcMountLister(),
	}, broker)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}
	defer o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	return o.Run(ctx)
}
