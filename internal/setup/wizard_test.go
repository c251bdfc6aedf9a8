package setup

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cortexuvula/intakesync/internal/config"
	"github.com/cortexuvula/intakesync/internal/staff"
)

// portFree skips the real listen check in tests.
func portFree(string, string) string { return "" }

func testOpts(configPath string) WizardOptions {
	return WizardOptions{
		ConfigPath:   configPath,
		CheckPort:    portFree,
		StartService: func(io.Writer) error { return nil },
	}
}

func lines(in ...string) *strings.Reader {
	return strings.NewReader(strings.Join(in, "\n") + "\n")
}

func TestPrompt_WithInput(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("custom-value\n"))

	result := prompt(scanner, &out, "Enter value: ", "default")
	if result != "custom-value" {
		t.Errorf("prompt() = %q, want %q", result, "custom-value")
	}
	if !strings.Contains(out.String(), "Enter value: ") {
		t.Error("prompt should print the message to out")
	}
}

func TestPrompt_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("\n"))

	if result := prompt(scanner, &out, "Enter value: ", "default-val"); result != "default-val" {
		t.Errorf("prompt() = %q, want %q", result, "default-val")
	}
}

func TestPrompt_EOF(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader(""))

	if result := prompt(scanner, &out, "Enter value: ", "fallback"); result != "fallback" {
		t.Errorf("prompt() = %q, want %q on EOF", result, "fallback")
	}
}

func TestPromptPort_Reprompts(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("99999\nabc\n4000\n"))

	if got := promptPort(scanner, &out, "Port: ", "3000"); got != "4000" {
		t.Errorf("promptPort() = %q, want %q", got, "4000")
	}
	if strings.Count(out.String(), "Invalid port") != 2 {
		t.Errorf("expected two invalid port messages, got: %s", out.String())
	}
}

func TestSplitNetworks(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantBad string
	}{
		{"10.0.0.0/8", []string{"10.0.0.0/8"}, ""},
		{" 10.0.0.0/8 , 192.168.1.0/24 ,", []string{"10.0.0.0/8", "192.168.1.0/24"}, ""},
		{"10.0.0.0/8, 192.168.1.5", nil, "192.168.1.5"},
	}
	for _, tt := range tests {
		got, bad := splitNetworks(tt.in)
		if bad != tt.wantBad || strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("splitNetworks(%q) = %v, %q; want %v, %q", tt.in, got, bad, tt.want, tt.wantBad)
		}
	}
}

func TestPromptPassword(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("short\nshort\nlongenough1\nmismatch99\nlongenough1\nlongenough1\n"))

	hash, err := promptPassword(scanner, &out)
	if err != nil {
		t.Fatalf("promptPassword() error: %v", err)
	}
	dir := staff.NewDirectory([]config.StaffUser{{Email: "a@b.c", PasswordHash: hash}})
	if _, ok := dir.Authenticate("a@b.c", "longenough1"); !ok {
		t.Error("hash does not verify the entered password")
	}
	if !strings.Contains(out.String(), "too short") || !strings.Contains(out.String(), "do not match") {
		t.Errorf("missing retry messages: %s", out.String())
	}
}

func TestPromptPassword_GivesUp(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader(""))
	if _, err := promptPassword(scanner, &out); err == nil {
		t.Error("promptPassword() should fail when no password is ever entered")
	}
}

func TestGenerateConfig(t *testing.T) {
	content := generateConfig(answers{
		listenAddress: "0.0.0.0:3000",
		healthAddress: "127.0.0.1:3001",
	})
	for _, want := range []string{
		`listen_address: "0.0.0.0:3000"`,
		`listen_address: "127.0.0.1:3001"`,
		`auth_token: ""`,
		`allowed_networks: []`,
		`users: []`,
		"# REQUIRED",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("config should contain %q", want)
		}
	}
}

func TestGenerateConfig_Escapes(t *testing.T) {
	content := generateConfig(answers{
		listenAddress:   "0.0.0.0:3000",
		healthAddress:   "127.0.0.1:3001",
		authToken:       `my"secret`,
		allowedNetworks: []string{"10.0.0.0/8", "192.168.0.0/16"},
	})
	if !strings.Contains(content, `auth_token: "my\"secret"`) {
		t.Error("auth token should be escaped")
	}
	if !strings.Contains(content, `allowed_networks: ["10.0.0.0/8", "192.168.0.0/16"]`) {
		t.Error("allowed networks should be a quoted flow list")
	}
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.yaml")
	content := "test: value\n"

	if err := writeConfig(path, content, false, &bytes.Buffer{}); err != nil {
		t.Fatalf("writeConfig() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}
	if string(data) != content {
		t.Errorf("config content = %q, want %q", string(data), content)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0640 {
		t.Errorf("config permissions = %o, want 0640", info.Mode().Perm())
	}
}

func TestRunWizard_AllDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	// EOF on stdin accepts every default and skips the staff user
	var out bytes.Buffer
	if err := RunWizard(strings.NewReader(""), &out, testOpts(configPath)); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}
	if !strings.Contains(out.String(), "Setup complete!") {
		t.Error("wizard should print completion message")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.ListenAddress != "0.0.0.0:3000" || cfg.Health.ListenAddress != "127.0.0.1:3001" {
		t.Errorf("listen = %q, health = %q", cfg.Server.ListenAddress, cfg.Health.ListenAddress)
	}
	if len(cfg.Staff.Users) != 0 || len(cfg.Security.AllowedNetworks) != 0 {
		t.Errorf("defaults should add no staff and no network restriction: %+v", cfg.Staff)
	}
}

func TestRunWizard_CustomValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	// listen host, listen port, health port, networks (first try rejected),
	// auth token, admin token, staff email, password, confirmation
	input := lines(
		"192.168.1.10",
		"9090",
		"9091",
		"bogus, 10.0.0.0/8",
		"192.168.1.0/24",
		"device-token",
		"admin-token",
		"Nurse@Clinic.example",
		"correct horse",
		"correct horse",
	)

	var out bytes.Buffer
	if err := RunWizard(input, &out, testOpts(configPath)); err != nil {
		t.Fatalf("RunWizard() error: %v\n%s", err, out.String())
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.ListenAddress != "192.168.1.10:9090" {
		t.Errorf("listen_address = %q", cfg.Server.ListenAddress)
	}
	if cfg.Health.ListenAddress != "127.0.0.1:9091" {
		t.Errorf("health.listen_address = %q", cfg.Health.ListenAddress)
	}
	if len(cfg.Security.AllowedNetworks) != 1 || cfg.Security.AllowedNetworks[0] != "192.168.1.0/24" {
		t.Errorf("allowed_networks = %v", cfg.Security.AllowedNetworks)
	}
	if cfg.Security.AuthToken != "device-token" || cfg.Security.AdminToken != "admin-token" {
		t.Errorf("tokens = %q / %q", cfg.Security.AuthToken, cfg.Security.AdminToken)
	}

	dir := staff.NewDirectory(cfg.Staff.Users)
	if _, ok := dir.Authenticate("nurse@clinic.example", "correct horse"); !ok {
		t.Error("staff user from wizard cannot log in")
	}
	if strings.Contains(out.String(), "correct horse") {
		t.Error("wizard output contains the staff password")
	}
}

func TestRunWizard_ExistingConfig_NoOverwrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(configPath, []byte("existing"), 0640)

	// listen host, listen port, health port, networks, auth, admin, staff email, overwrite?
	input := lines("", "", "", "", "", "", "", "n")

	var out bytes.Buffer
	if err := RunWizard(input, &out, testOpts(configPath)); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if string(data) != "existing" {
		t.Error("config should not be overwritten when user says no")
	}
	if !strings.Contains(out.String(), "Setup cancelled") {
		t.Error("should print cancellation message")
	}
}

func TestRunWizard_ExistingConfig_Overwrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(configPath, []byte("old"), 0640)

	input := lines("", "", "", "", "", "", "", "y")

	var out bytes.Buffer
	if err := RunWizard(input, &out, testOpts(configPath)); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.Contains(string(data), "listen_address") {
		t.Error("config should be overwritten with new content")
	}
}

func TestRunWizard_StaffWithoutPassword(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	input := lines("", "", "", "", "", "", "staff@clinic.example")
	if err := RunWizard(input, &bytes.Buffer{}, testOpts(configPath)); err == nil {
		t.Fatal("RunWizard() should fail when the staff password is never given")
	}
	if _, err := os.Stat(configPath); !os.IsNotExist(err) {
		t.Error("no config should be written after a failed staff prompt")
	}
}

func TestCheckPortAvailable(t *testing.T) {
	// Port 0 always binds
	if reason := checkPortAvailable("127.0.0.1", "0"); reason != "" {
		t.Errorf("checkPortAvailable(127.0.0.1, 0) = %q, want empty", reason)
	}
}
