package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wpwrapperd/internal/config"
	"wpwrapperd/internal/conductor"
	"wpwrapperd/internal/osiface"
	"wpwrapperd/internal/runid"
	"wpwrapperd/internal/worker"
)

const (
	appName    = "wpwrapperd"
	appVersion = "0.1.0"
)

var (
	flagListenAddr string
	flagConfigFile string
)

var rootCmd = &cobra.Command{
	Use:     appName,
	Short:   "Waterproof sertop wrapper daemon",
	Long:    `wpwrapperd multiplexes a single TCP client onto a pool of sertop child processes.`,
	Version: appVersion,
	RunE:    runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&flagListenAddr, "listen", "", "address to bind (default 127.0.0.1:0)")
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "path to an optional YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) && errno != 0 {
			os.Exit(int(errno))
		}
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	id := runid.New()
	log.Printf("[run %s] starting %s %s", id, appName, appVersion)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if stop, err := worker.WatchBinary(cfg.SertopPath); err != nil {
		log.Printf("[run %s] not watching %s: %v", id, cfg.SertopPath, err)
	} else {
		defer stop()
	}

	c, err := conductor.New(conductor.Config{
		ListenAddr:  cfg.ListenAddr,
		Spawner:     osiface.NewExecSpawner(),
		DefaultPath: cfg.SertopPath,
		DefaultArgs: cfg.SertopArgs,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	c.Run(ctx)

	log.Printf("[run %s] stopped", id)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if flagConfigFile != "" {
		cfg, err = config.LoadFile(flagConfigFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if flagListenAddr != "" {
		cfg.ListenAddr = flagListenAddr
	}

	return cfg, nil
}
