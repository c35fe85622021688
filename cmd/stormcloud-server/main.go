package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stormcloud/backup/pkg/log"
	"github.com/stormcloud/backup/pkg/server"
	"github.com/stormcloud/backup/pkg/storage"
	"github.com/stormcloud/backup/pkg/tlsutil"
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
	Use:     "stormcloud-server",
	Short:   "Stormcloud backup server",
	Version: Version,
	RunE:    runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("stormcloud-server version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("listen", ":8443", "Address to listen on")
	rootCmd.Flags().String("storage-root", "./data/storage", "Directory where uploaded file versions are written")
	rootCmd.Flags().String("db-path", "./data/catalog.db", "Path to the server catalog database")
	rootCmd.Flags().String("tls-cert", "", "Path to a TLS certificate (generates a self-signed one if omitted)")
	rootCmd.Flags().String("tls-key", "", "Path to a TLS private key (generates a self-signed one if omitted)")

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

func runServer(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	storageRoot, _ := cmd.Flags().GetString("storage-root")
	dbPath, _ := cmd.Flags().GetString("db-path")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")

	store, err := storage.NewBoltStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening catalog database: %w", err)
	}
	defer store.Close()

	cert, err := tlsutil.LoadOrGenerate(tlsCert, tlsKey, []string{"localhost"})
	if err != nil {
		return fmt.Errorf("loading tls certificate: %w", err)
	}

	srv := server.New(store, storageRoot)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServeTLS(listen, cert)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server exited: %w", err)
		}
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		if err := srv.Stop(10 * time.Second); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}
	return nil
}
