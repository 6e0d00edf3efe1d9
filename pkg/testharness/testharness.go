// Package testharness runs tokenbridge-testserver as a subprocess so
// consuming projects can test against both fakes without importing them.
package testharness

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"
)

// BinaryEnv names the variable that overrides the server binary location.
const BinaryEnv = "TOKENBRIDGE_TESTSERVER_BIN"

// Config holds configuration for starting the test harness.
type Config struct {
	APIKey              string
	Users               []User
	Host                string
	Delay               time.Duration
	Down                bool
	RejectRefresh       bool
	RotateRefresh       bool
	AccessLifetime      time.Duration
	RequireConfirmation bool
	BinaryPath          string
	Quiet               bool
}

// User holds test user credentials.
type User struct {
	Email    string
	Password string
}

// Paths are the backend routes the server exposes.
type Paths struct {
	Exchange    string `json:"exchange"`
	Refresh     string `json:"refresh"`
	CurrentUser string `json:"current_user"`
	Data        string `json:"data"`
	Echo        string `json:"echo"`
}

// Harness represents a running tokenbridge-testserver instance.
type Harness struct {
	BackendURL  string
	ProviderURL string
	APIKey      string
	Paths       Paths
	Users       []User

	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// outputContract matches the JSON structure from tokenbridge-testserver
type outputContract struct {
	BackendURL  string       `json:"backend_url"`
	ProviderURL string       `json:"provider_url"`
	APIKey      string       `json:"api_key"`
	Paths       Paths        `json:"paths"`
	Users       []outputUser `json:"users"`
}

type outputUser struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Available reports whether a server binary can be found for cfg.
func Available(cfg Config) bool {
	return findBinary(cfg.BinaryPath) != ""
}

// Start spawns a tokenbridge-testserver and returns a handle to it.
// It registers cleanup with t.Cleanup().
func Start(t *testing.T, cfg Config) *Harness {
	t.Helper()

	binaryPath := findBinary(cfg.BinaryPath)
	if binaryPath == "" {
		t.Fatalf("tokenbridge-testserver binary not found (check PATH or set Config.BinaryPath or %s)", BinaryEnv)
	}

	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, binaryPath, buildArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stdout pipe: %v", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start tokenbridge-testserver: %v", err)
	}

	// first stdout line is the JSON contract
	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		cancel()
		cmd.Wait()
		t.Fatal("failed to read JSON contract from tokenbridge-testserver")
	}

	var contract outputContract
	if err := json.Unmarshal(scanner.Bytes(), &contract); err != nil {
		cancel()
		cmd.Wait()
		t.Fatalf("failed to parse JSON contract: %v", err)
	}

	if !cfg.Quiet {
		go func() {
			for scanner.Scan() {
				t.Logf("[tokenbridge-testserver] %s", scanner.Text())
			}
		}()

		go func() {
			stderrScanner := bufio.NewScanner(stderr)
			for stderrScanner.Scan() {
				t.Logf("[tokenbridge-testserver stderr] %s", stderrScanner.Text())
			}
		}()
	}

	harness := &Harness{
		BackendURL:  contract.BackendURL,
		ProviderURL: contract.ProviderURL,
		APIKey:      contract.APIKey,
		Paths:       contract.Paths,
		Users:       make([]User, len(contract.Users)),
		cmd:         cmd,
		cancel:      cancel,
	}
	for i, user := range contract.Users {
		harness.Users[i] = User{Email: user.Email, Password: user.Password}
	}

	t.Cleanup(func() {
		if err := harness.Close(); err != nil {
			t.Logf("warning: harness cleanup failed: %v", err)
		}
	})

	return harness
}

// Close terminates the tokenbridge-testserver process.
func (h *Harness) Close() error {
	if h.cancel != nil {
		h.cancel()
	}

	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- h.cmd.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		if err := h.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("force kill: %w", err)
		}
		return fmt.Errorf("timeout waiting for graceful shutdown, process killed")
	}
}

func findBinary(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	if envPath := os.Getenv(BinaryEnv); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	if pathBinary, err := exec.LookPath("tokenbridge-testserver"); err == nil {
		return pathBinary
	}

	return ""
}

func buildArgs(cfg Config) []string {
	args := []string{}

	if cfg.Host != "" {
		args = append(args, "--host", cfg.Host)
	}

	if cfg.APIKey != "" {
		args = append(args, "--api-key", cfg.APIKey)
	}

	if cfg.Delay > 0 {
		args = append(args, "--delay", cfg.Delay.String())
	}

	if cfg.Down {
		args = append(args, "--down")
	}

	if cfg.RejectRefresh {
		args = append(args, "--reject-refresh")
	}

	if cfg.RotateRefresh {
		args = append(args, "--rotate-refresh")
	}

	if cfg.AccessLifetime > 0 {
		args = append(args, "--access-lifetime", cfg.AccessLifetime.String())
	}

	if cfg.RequireConfirmation {
		args = append(args, "--require-confirmation")
	}

	if cfg.Quiet {
		args = append(args, "--quiet")
	}

	for _, user := range cfg.Users {
		args = append(args, "--user", fmt.Sprintf("%s:%s", user.Email, user.Password))
	}

	return args
}
