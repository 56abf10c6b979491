package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/amcpd/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

// ErrNotRunning is returned by stop when no live server owns the PID file.
var ErrNotRunning = errors.New("daemon is not running")

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the amcpd server",
	Long: `Stop the amcpd server gracefully.
Sends SIGTERM and waits for queued commands to finish. After the timeout
the process is killed.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := signalDaemon(cfg.PIDFile, syscall.SIGTERM)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Fprintln(out, "Daemon stopped successfully")
			os.Remove(cfg.PIDFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if _, err := signalDaemon(cfg.PIDFile, syscall.SIGKILL); err != nil {
		return err
	}

	os.Remove(cfg.PIDFile)
	fmt.Fprintln(out, "Daemon killed")
	return nil
}

// signalDaemon sends sig to the process named by pidFile.
func signalDaemon(pidFile string, sig syscall.Signal) (int, error) {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	if !daemon.ProcessAlive(pid) {
		os.Remove(pidFile)
		return 0, fmt.Errorf("%w (stale PID file removed)", ErrNotRunning)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return 0, fmt.Errorf("failed to send %s: %w", sig, err)
	}
	return pid, nil
}
