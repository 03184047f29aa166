package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"thinkwatch/internal/config"
	"thinkwatch/internal/store"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "thinkwatch",
	Short: "thinkwatch - live supervisor for a coding agent's reasoning",
	Long: `thinkwatch sits between a coding agent and the Anthropic Messages API.

Every request passes through unchanged. Streamed extended-thinking text is
reassembled, cut into chunks and checked by a tree of supervisors for scope
reduction, procrastination, false completion, unfinished task items and
project rule violations. Low-confidence alerts are re-checked on a deeper
model, and confirmed decisions are learned for next time.

Point the agent at the proxy, for example:
  ANTHROPIC_BASE_URL=http://127.0.0.1:8888 claude`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file, YAML or TOML (default: <workspace>/.thinkwatch/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

func resolveConfigPath(ws string) string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath(ws)
}

// loadConfig reads <workspace>/.env (when present) and the config file.
func loadConfig() (*config.Config, string, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	envFile := filepath.Join(ws, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, "", fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	cfg, err := config.Load(resolveConfigPath(ws))
	if err != nil {
		return nil, "", err
	}
	return cfg, ws, nil
}

func storePath(ws string, cfg *config.Config) string {
	if filepath.IsAbs(cfg.Store.Path) {
		return cfg.Store.Path
	}
	return filepath.Join(ws, cfg.Store.Path)
}

func openStore(ws string, cfg *config.Config) (*store.SQLiteStore, error) {
	path := storePath(ws, cfg)
	kv, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	logger.Debug("Store opened", zap.String("path", path))
	return kv, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
