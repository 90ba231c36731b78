// cmd/aibox-bus/main.go
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sua-org/aibox-bus/internal/config"
	"github.com/sua-org/aibox-bus/internal/logging"
)

var (
	envFile      string
	registryPath string
	catalogPath  string
	httpAddr     string
	logLevel     string
	jsonOutput   bool
)

var rootCmd = &cobra.Command{
	Use:   "aibox-bus",
	Short: "Gravação, alarmes e status das câmeras das AI boxes",
	Long: `aibox-bus acompanha as AI boxes cadastradas: grava em chunks as câmeras com tarefa
saudável, mantém uma conexão de alarmes por box e publica o status unificado das câmeras.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "arquivo .env carregado antes do ambiente")
	rootCmd.PersistentFlags().StringVar(&registryPath, "registry", "", "arquivo YAML de boxes (sobrescreve AIBOX_REGISTRY)")
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "banco SQLite do catálogo (sobrescreve CATALOG_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn ou error (sobrescreve LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "saída em JSON")

	rootCmd.AddCommand(runCmd, boxesCmd, chunksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig lê .env + ambiente e aplica as flags que foram passadas.
func loadConfig() (config.Config, *slog.Logger, error) {
	boot := logging.New("warn", "text")
	cfg, err := config.Load(envFile, boot)
	if err != nil {
		return cfg, boot, err
	}
	if registryPath != "" {
		cfg.RegistryPath = registryPath
	}
	if catalogPath != "" {
		cfg.CatalogPath = catalogPath
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
}
