package cli

import (
	"fmt"
	"os"

	"github.com/harun/amcpd/internal/config"
	"github.com/harun/amcpd/internal/daemon"
	"github.com/harun/amcpd/internal/logger"
	"github.com/spf13/cobra"
)

var noWatch bool

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"serve"},
	Short:   "Start the amcpd server in the foreground",
	Long: `Start the amcpd server in the foreground.
The server runs until it receives SIGINT or SIGTERM, or a client sends KILL.
Changes to the config file are applied live where possible.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file when it changes")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if isRunning(cfg.PIDFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", cfg.PIDFile)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, version)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	loader := config.NewLoader(cfgFile)
	if !noWatch {
		if _, err := os.Stat(loader.GetConfigPath()); err == nil {
			if err := d.WatchConfig(loader); err != nil {
				log.Warn().Err(err).Msg("Config hot reload disabled")
			}
		}
	}

	d.Wait()
	return nil
}

// isRunning reports whether pidFile names a live process.
func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
