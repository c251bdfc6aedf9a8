package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cortexuvula/intakesync/internal/config"
	"github.com/cortexuvula/intakesync/internal/staff"
)

const (
	defaultConfigPath = "/etc/intakesync/config.yaml"
	defaultListenHost = "0.0.0.0"
	defaultListenPort = "3000"
	defaultHealthPort = "3001"
	serviceUser       = "intakesync"

	maxPasswordAttempts = 3
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	// ConfigPath overrides the default config path.
	ConfigPath string
	// CheckPort overrides the port availability check (for testing).
	CheckPort func(host, port string) string
	// StartService overrides starting the systemd unit (for testing).
	StartService func(io.Writer) error
}

// answers collects everything the wizard asks for.
type answers struct {
	listenAddress   string
	healthAddress   string
	allowedNetworks []string
	authToken       string
	adminToken      string
	staffEmail      string
	staffHash       string
}

// RunWizard runs the interactive setup wizard.
// It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}
	checkPort := checkPortAvailable
	if opts.CheckPort != nil {
		checkPort = opts.CheckPort
	}
	startService := startSystemdService
	if opts.StartService != nil {
		startService = opts.StartService
	}

	// Check if running as root; fall back to local config if not
	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo intakesync setup\n\n")
	}

	fmt.Fprintln(out, "Intake Sync Setup")
	fmt.Fprintln(out, "=================")
	fmt.Fprintln(out)

	var a answers

	// Step 1: Client listener
	listenHost := prompt(scanner, out,
		fmt.Sprintf("Listen address for patient and staff devices [%s]: ", defaultListenHost),
		defaultListenHost)
	if net.ParseIP(listenHost) == nil {
		fmt.Fprintf(out, "  WARNING: %q is not an IP address; it must resolve on this host\n\n", listenHost)
	}
	listenPort := promptPort(scanner, out,
		fmt.Sprintf("Listen port [%s]: ", defaultListenPort),
		defaultListenPort)
	a.listenAddress = net.JoinHostPort(listenHost, listenPort)
	if reason := checkPort(listenHost, listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", listenPort, listenHost, reason)
	}

	// Step 2: Health and admin listener, loopback only
	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort),
		defaultHealthPort)
	a.healthAddress = net.JoinHostPort("127.0.0.1", healthPort)
	if reason := checkPort("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 3: Admission
	a.allowedNetworks = promptNetworks(scanner, out,
		"Allowed client networks, comma separated CIDRs (leave empty to allow all): ")
	a.authToken = prompt(scanner, out,
		"Device auth token (leave empty for none): ", "")
	a.adminToken = prompt(scanner, out,
		"Admin API token (leave empty to disable the admin API): ", "")

	// Step 4: First staff login
	a.staffEmail = prompt(scanner, out,
		"Staff login email (leave empty to skip): ", "")
	if a.staffEmail != "" {
		hash, err := promptPassword(scanner, out)
		if err != nil {
			return err
		}
		a.staffHash = hash
	}

	// Step 5: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 6: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	if err := writeConfig(configPath, generateConfig(a), isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 7: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 8: Offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		answer := prompt(scanner, out,
			"Start intakesync service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(answer), "y") {
			if err := startService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start intakesync")
			}
		}
	}

	// Step 9: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Socket:       ws://%s/api/socket\n", a.listenAddress)
	fmt.Fprintf(out, "  Health:       http://%s/health\n", a.healthAddress)
	if a.staffEmail != "" {
		fmt.Fprintf(out, "  Staff login:  %s\n", a.staffEmail)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", a.healthAddress)
	fmt.Fprintln(out, "  Add staff:      intakesync hash-password")
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u intakesync -f")
	fmt.Fprintln(out, "  Validate:       intakesync validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		// If we got the default back (EOF/empty), and default is valid, accept it
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// promptNetworks reads a comma separated CIDR list, re-prompting until
// every entry parses. Empty input or EOF means no restriction.
func promptNetworks(scanner *bufio.Scanner, out io.Writer, message string) []string {
	for {
		val := prompt(scanner, out, message, "")
		if val == "" {
			return nil
		}
		nets, bad := splitNetworks(val)
		if bad == "" {
			return nets
		}
		fmt.Fprintf(out, "  Invalid network %q: expected CIDR notation such as 192.168.1.0/24\n", bad)
	}
}

func splitNetworks(val string) (nets []string, bad string) {
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(part); err != nil {
			return nil, part
		}
		nets = append(nets, part)
	}
	return nets, ""
}

// promptPassword asks for the staff password twice and returns its bcrypt
// hash. Input is echoed; run setup on a trusted console.
func promptPassword(scanner *bufio.Scanner, out io.Writer) (string, error) {
	for i := 0; i < maxPasswordAttempts; i++ {
		pw := prompt(scanner, out, "Staff password (min 8 characters): ", "")
		confirm := prompt(scanner, out, "Repeat password: ", "")
		if pw != confirm {
			fmt.Fprintln(out, "  Passwords do not match.")
			continue
		}
		hash, err := staff.HashPassword(pw)
		if errors.Is(err, staff.ErrPasswordTooShort) {
			fmt.Fprintln(out, "  Password is too short.")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("hashing staff password: %w", err)
		}
		return hash, nil
	}
	return "", fmt.Errorf("no valid staff password after %d attempts", maxPasswordAttempts)
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the intakesync service.
func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	// Try restart first (handles already-running case), fall back to start
	if err := exec.Command("systemctl", "restart", "intakesync").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "intakesync").Run(); err != nil {
			return err
		}
	}

	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "intakesync").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func yamlQuotedList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = `"` + yamlEscapeString(s) + `"`
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// generateConfig creates a commented YAML config string.
func generateConfig(a answers) string {
	staffUsers := "  users: []"
	if a.staffEmail != "" {
		staffUsers = fmt.Sprintf("  users:\n    - email: \"%s\"\n      password_hash: \"%s\"",
			yamlEscapeString(a.staffEmail), yamlEscapeString(a.staffHash))
	}

	return fmt.Sprintf(`# Intake Sync Configuration
# Generated by: intakesync setup

server:
  # REQUIRED: Address patient and staff devices connect to
  listen_address: "%s"
  socket_path: "/api/socket"

  # Browser origins allowed to open the socket (empty = same origin only)
  allowed_origins: []

  # Shutdown: wait for active connections to finish
  drain_timeout: "15s"

  # Transport settings
  max_message_size: 65536
  ping_interval: "25s"
  pong_timeout: "20s"
  write_timeout: "10s"
  send_buffer: 256
  poll_timeout: "25s"
  poll_idle_timeout: "60s"

sync:
  snapshot_on_connect: true
  enforce_sequence: true
  # Patient devices mark their session inactive after this much idle time
  inactivity_timeout: "30s"

security:
  # Client networks allowed to connect (empty = all)
  allowed_networks: %s

  # Device token (optional)
  # Clients send via Authorization: Bearer <token> header or ?token=xxx query param
  auth_token: "%s"

  # Bearer token for /api/v1 on the health listener (empty = admin API off)
  admin_token: "%s"

  rate_limit:
    enabled: true
    connections_per_minute: 120
    messages_per_second: 50

  max_connections: 500
  max_connections_per_ip: 20

staff:
  # Add more with: intakesync hash-password
%s

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)
  ring_buffer_size: 1000

health:
  enabled: true
  endpoint: "/health"
  listen_address: "%s"
  detailed: true

monitoring:
  metrics_enabled: false
  metrics_endpoint: "/metrics"
`,
		yamlEscapeString(a.listenAddress),
		yamlQuotedList(a.allowedNetworks),
		yamlEscapeString(a.authToken),
		yamlEscapeString(a.adminToken),
		staffUsers,
		yamlEscapeString(a.healthAddress),
	)
}

// writeConfig writes the config file, creating parent directories as needed.
// The file holds tokens and password hashes, so it is not world readable.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if setOwnership {
		if err := chownToServiceUser(path); err != nil {
			fmt.Fprintf(out, "  WARNING: Could not set ownership to %s:%s: %v\n", serviceUser, serviceUser, err)
		}
	}
	return nil
}

func chownToServiceUser(path string) error {
	u, err := user.Lookup(serviceUser)
	if err != nil {
		return err
	}
	g, err := user.LookupGroup(serviceUser)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parsing gid %q: %w", g.Gid, err)
	}
	return os.Chown(path, uid, gid)
}
