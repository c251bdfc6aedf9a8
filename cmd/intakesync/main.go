package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/intakesync/internal/config"
	"github.com/cortexuvula/intakesync/internal/setup"
	"github.com/cortexuvula/intakesync/internal/staff"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// A .env beside the binary can carry INTAKESYNC_* overrides
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "intakesync",
		Short: "Real-time patient intake session sync between patient and staff devices",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the session sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "intakesync %s\n", Version)
			fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid.\n")
			fmt.Fprintf(out, "  Listen: %s%s\n", cfg.Server.ListenAddress, cfg.Server.SocketPath)
			fmt.Fprintf(out, "  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Fprintf(out, "  Allowed networks: %s\n", describeNetworks(cfg.Security.AllowedNetworks))
			fmt.Fprintf(out, "  Staff users: %d\n", len(cfg.Staff.Users))
			fmt.Fprintf(out, "  Admin API: %v\n", cfg.Security.AdminToken != "")
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(cmd.OutOrStdout(), url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:3001/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(cmd.InOrStdin(), cmd.OutOrStdout(), setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/intakesync/config.yaml)")

	hashCmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a staff password read from stdin and print a staff.users entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			return hashPassword(cmd.InOrStdin(), cmd.OutOrStdout(), email)
		},
	}
	hashCmd.Flags().String("email", "", "Staff email to include in the printed entry")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				fmt.Fprint(cmd.OutOrStdout(), systemdUnit)
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, setupCmd, hashCmd, newWatchCmd(), systemdCmd)
	return rootCmd
}

func describeNetworks(nets []string) string {
	if len(nets) == 0 {
		return "any"
	}
	return strings.Join(nets, ", ")
}

func checkHealth(out io.Writer, url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Fprintln(out, "healthy")
		return nil
	}
	return fmt.Errorf("unhealthy (status: %d)", resp.StatusCode)
}

// hashPassword reads one line from in and prints its bcrypt hash as a
// ready-to-paste staff.users entry.
func hashPassword(in io.Reader, out io.Writer, email string) error {
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		return errors.New("no password given on stdin")
	}
	hash, err := staff.HashPassword(strings.TrimRight(scanner.Text(), "\r"))
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	if email == "" {
		email = "staff@example.com"
	}
	fmt.Fprintln(out, "staff:")
	fmt.Fprintln(out, "  users:")
	fmt.Fprintf(out, "    - email: %q\n", email)
	fmt.Fprintf(out, "      password_hash: %q\n", hash)
	return nil
}

const systemdUnit = `[Unit]
Description=Intake Sync - real-time patient intake session sync
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=intakesync
Group=intakesync
ExecStartPre=/usr/local/bin/intakesync validate --config /etc/intakesync/config.yaml
ExecStart=/usr/local/bin/intakesync start --config /etc/intakesync/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s
# Open intake forms are held in memory; give devices time to finish
TimeoutStopSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/intakesync
LogsDirectory=intakesync
StateDirectory=intakesync
LimitNOFILE=65535
MemoryMax=256M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=intakesync

[Install]
WantedBy=multi-user.target
`
