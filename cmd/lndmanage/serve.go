package main

import (
  "context"
  "os"
  "os/signal"
  "syscall"

  "github.com/Polyomino/lndmanage/internal/server"

  "github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
  return &cobra.Command{
    Use: "serve",
    Short: "Serve the fee setter API and run scheduled fee updates",
    Args: cobra.NoArgs,
    RunE: func(cmd *cobra.Command, args []string) error {
      cfg, logger, err := loadConfig()
      if err != nil {
        return err
      }
      ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
      defer stop()

      if err := server.New(cfg, logger).Run(ctx); err != nil {
        logger.WithError(err).Error("server exited")
        return err
      }
      return nil
    },
  }
}
