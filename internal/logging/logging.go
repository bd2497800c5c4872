package logging

import (
  "fmt"
  "io"
  "os"
  "path/filepath"

  "github.com/Polyomino/lndmanage/internal/config"

  "github.com/sirupsen/logrus"
  "gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger: stdout plus an optional rotating file.
func New(cfg config.LogConfig) (*logrus.Logger, error) {
  return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LogConfig, stdout io.Writer) (*logrus.Logger, error) {
  logger := logrus.New()

  level, err := logrus.ParseLevel(cfg.Level)
  if err != nil {
    return nil, fmt.Errorf("log level: %w", err)
  }
  logger.SetLevel(level)
  logger.SetFormatter(&logrus.TextFormatter{
    FullTimestamp: true,
    TimestampFormat: "2006-01-02 15:04:05",
  })

  writers := []io.Writer{stdout}
  if cfg.File != "" {
    if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
      return nil, fmt.Errorf("log dir: %w", err)
    }
    writers = append(writers, &lumberjack.Logger{
      Filename: cfg.File,
      MaxSize: cfg.MaxSizeMB,
      MaxBackups: cfg.MaxBackups,
      MaxAge: cfg.MaxAgeDays,
      Compress: cfg.Compress,
    })
  }
  logger.SetOutput(io.MultiWriter(writers...))
  return logger, nil
}
