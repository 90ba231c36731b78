package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, "test.env")
	if err := os.WriteFile(env, []byte("HTTP_ADDR=:7000\nLOG_LEVEL=warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AIBOX_REGISTRY", "from-env.yaml")
	t.Setenv("CATALOG_PATH", "from-env.db")
	// godotenv não sobrescreve o que já está no ambiente
	t.Setenv("HTTP_ADDR", "")
	os.Unsetenv("HTTP_ADDR")
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("LOG_LEVEL")

	envFile, registryPath, catalogPath, httpAddr, logLevel = env, filepath.Join(dir, "boxes.yaml"), "", "", "debug"
	t.Cleanup(func() { envFile, registryPath, catalogPath, httpAddr, logLevel = ".env", "", "", "", "" })

	cfg, logger, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if logger == nil {
		t.Fatal("logger nil")
	}
	if cfg.RegistryPath != filepath.Join(dir, "boxes.yaml") {
		t.Errorf("registry = %s, flag should win", cfg.RegistryPath)
	}
	if cfg.CatalogPath != "from-env.db" {
		t.Errorf("catalog = %s, env should be kept without flag", cfg.CatalogPath)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Errorf("http addr = %s, want value from env file", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %s", cfg.LogLevel)
	}
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	envFile = filepath.Join(t.TempDir(), "nope.env")
	t.Cleanup(func() { envFile = ".env" })
	if _, _, err := loadConfig(); err != nil {
		t.Fatalf("missing .env must only warn: %v", err)
	}
}
