package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("broker:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal(`FindConfig("") with no config files should error`)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("broker:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf(`FindConfig("") error: %v`, err)
	}
	if got != "config.yaml" {
		t.Errorf(`FindConfig("") = %q, want %q`, got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("client:\n  server_url: ${KVBRIDGE_TEST_URL}\n"), 0600)
	os.Setenv("KVBRIDGE_TEST_URL", "ws://localhost:8081/ws")
	defer os.Unsetenv("KVBRIDGE_TEST_URL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Client.ServerURL != "ws://localhost:8081/ws" {
		t.Errorf("server_url = %q, want %q", cfg.Client.ServerURL, "ws://localhost:8081/ws")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("{}\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Broker.Port != 8081 {
		t.Errorf("default broker.port = %d, want 8081", cfg.Broker.Port)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("default data_dir = %q, want ./data", cfg.DataDir)
	}
	if cfg.Client.MaxReconnectAttempts != 10 {
		t.Errorf("default max_reconnect_attempts = %d, want 10", cfg.Client.MaxReconnectAttempts)
	}
	if cfg.Broker.Adapters["nodejs"] != "sqlite" {
		t.Errorf("default nodejs adapter = %q, want sqlite", cfg.Broker.Adapters["nodejs"])
	}
}

func TestLoad_DurationFromString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("client:\n  reconnect_interval: 750ms\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Client.ReconnectInterval.Duration(); got.String() != "750ms" {
		t.Errorf("reconnect_interval = %v, want 750ms", got)
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Broker.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidate_UnknownAdapter(t *testing.T) {
	cfg := Default()
	cfg.Broker.Adapters["browser"] = "localstorage"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown adapter name")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() config should validate cleanly: %v", err)
	}
}
