package main

import (
  "fmt"
  "os"

  "github.com/Polyomino/lndmanage/internal/config"
  "github.com/Polyomino/lndmanage/internal/logging"

  "github.com/sirupsen/logrus"
  "github.com/spf13/cobra"
)

var (
  configPath string

  rootCmd = &cobra.Command{
    Use: "lndmanage",
    Short: "Channel fee management for lnd",
    SilenceUsage: true,
  }
)

func init() {
  rootCmd.PersistentFlags().StringVar(
    &configPath,
    "config",
    "",
    "path to config.yaml (defaults and environment only when empty)",
  )
  rootCmd.AddCommand(newSetFeesCmd(), newServeCmd())
}

func main() {
  if err := rootCmd.Execute(); err != nil {
    fmt.Fprintln(os.Stderr, err)
    os.Exit(1)
  }
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
  cfg, err := config.Load(configPath)
  if err != nil {
    return nil, nil, fmt.Errorf("config load failed: %w", err)
  }
  logger, err := logging.New(cfg.Log)
  if err != nil {
    return nil, nil, err
  }
  return cfg, logger, nil
}
