package config

import (
  "errors"
  "fmt"
  "os"
  "strconv"
  "strings"

  "github.com/Polyomino/lndmanage/internal/feesetter"

  "github.com/joho/godotenv"
  "gopkg.in/yaml.v3"
)

const (
  DefaultServerHost = "127.0.0.1"
  DefaultServerPort = 8443
  DefaultGRPCHost = "127.0.0.1:10009"
  DefaultLogLevel = "info"
  DefaultRunIntervalSec = 24 * 60 * 60
)

type Config struct {
  Server ServerConfig `yaml:"server"`
  LND LNDConfig `yaml:"lnd"`
  FeeSetter FeeSetterConfig `yaml:"feesetter"`
  Log LogConfig `yaml:"log"`
  Database DatabaseConfig `yaml:"database"`
}

type ServerConfig struct {
  Host string `yaml:"host"`
  Port int `yaml:"port"`
  TLSCert string `yaml:"tls_cert"`
  TLSKey string `yaml:"tls_key"`
}

type LNDConfig struct {
  GRPCHost string `yaml:"grpc_host"`
  TLSCertPath string `yaml:"tls_cert_path"`
  AdminMacaroonPath string `yaml:"admin_macaroon_path"`
}

type FeeSetterConfig struct {
  TimeLockDelta uint32 `yaml:"cltv"`
  MinBaseFeeMsat int64 `yaml:"min_base_fee_msat"`
  MaxBaseFeeMsat int64 `yaml:"max_base_fee_msat"`
  MinFeeRate float64 `yaml:"min_fee_rate"`
  MaxFeeRate float64 `yaml:"max_fee_rate"`
  FromDaysAgo int `yaml:"from_days_ago"`
  Init bool `yaml:"init"`
  // Enabled turns on the scheduled runs of the server.
  Enabled bool `yaml:"enabled"`
  RunIntervalSec int `yaml:"run_interval_sec"`
}

type LogConfig struct {
  Level string `yaml:"level"`
  File string `yaml:"file"`
  MaxSizeMB int `yaml:"max_size_mb"`
  MaxBackups int `yaml:"max_backups"`
  MaxAgeDays int `yaml:"max_age_days"`
  Compress bool `yaml:"compress"`
}

type DatabaseConfig struct {
  DSN string `yaml:"dsn"`
}

func Default() *Config {
  return &Config{
    Server: ServerConfig{
      Host: DefaultServerHost,
      Port: DefaultServerPort,
    },
    LND: LNDConfig{
      GRPCHost: DefaultGRPCHost,
    },
    FeeSetter: FeeSetterConfig{
      TimeLockDelta: feesetter.DefaultTimeLockDelta,
      MinBaseFeeMsat: feesetter.DefaultMinBaseFeeMsat,
      MaxBaseFeeMsat: feesetter.DefaultMaxBaseFeeMsat,
      MinFeeRate: feesetter.DefaultMinFeeRate,
      MaxFeeRate: feesetter.DefaultMaxFeeRate,
      FromDaysAgo: feesetter.DefaultLookbackDays,
      RunIntervalSec: DefaultRunIntervalSec,
    },
    Log: LogConfig{
      Level: DefaultLogLevel,
      MaxSizeMB: 50,
      MaxBackups: 5,
      MaxAgeDays: 30,
    },
  }
}

// Load reads the yaml file at path over the defaults and then applies the
// environment (and a .env file if present). An empty path skips the file.
func Load(path string) (*Config, error) {
  _ = godotenv.Load()

  cfg := Default()
  if strings.TrimSpace(path) != "" {
    raw, err := os.ReadFile(path)
    if err != nil {
      return nil, fmt.Errorf("read config: %w", err)
    }
    if err := yaml.Unmarshal(raw, cfg); err != nil {
      return nil, fmt.Errorf("parse config %s: %w", path, err)
    }
  }
  if err := cfg.applyEnv(); err != nil {
    return nil, err
  }
  if err := cfg.Validate(); err != nil {
    return nil, err
  }
  return cfg, nil
}

func (c *Config) applyEnv() error {
  if v := strings.TrimSpace(os.Getenv("LND_GRPC_HOST")); v != "" {
    c.LND.GRPCHost = v
  }
  if v := strings.TrimSpace(os.Getenv("LND_TLS_CERT_PATH")); v != "" {
    c.LND.TLSCertPath = v
  }
  if v := strings.TrimSpace(os.Getenv("LND_MACAROON_PATH")); v != "" {
    c.LND.AdminMacaroonPath = v
  }
  if v := strings.TrimSpace(os.Getenv("FEESETTER_PG_DSN")); v != "" {
    c.Database.DSN = v
  }
  if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
    c.Log.Level = v
  }
  if v := strings.TrimSpace(os.Getenv("SERVER_PORT")); v != "" {
    port, err := strconv.Atoi(v)
    if err != nil {
      return fmt.Errorf("invalid SERVER_PORT %q", v)
    }
    c.Server.Port = port
  }
  return nil
}

func (c *Config) Validate() error {
  if c.Server.Port <= 0 || c.Server.Port > 65535 {
    return fmt.Errorf("server port out of range: %d", c.Server.Port)
  }
  if strings.TrimSpace(c.LND.GRPCHost) == "" {
    return errors.New("lnd grpc_host required")
  }
  if c.FeeSetter.TimeLockDelta == 0 {
    return errors.New("feesetter cltv must be positive")
  }
  if c.FeeSetter.RunIntervalSec < 0 {
    return errors.New("feesetter run_interval_sec must not be negative")
  }
  if err := c.FeeSetter.RunConfig().Validate(); err != nil {
    return fmt.Errorf("feesetter: %w", err)
  }
  switch strings.ToLower(c.Log.Level) {
  case "debug", "info", "warn", "warning", "error":
  default:
    return fmt.Errorf("unknown log level %q", c.Log.Level)
  }
  return nil
}

// RunConfig converts the file settings into the parameters of one run.
func (f FeeSetterConfig) RunConfig() feesetter.RunConfig {
  return feesetter.RunConfig{
    TimeLockDelta: f.TimeLockDelta,
    MinBaseFeeMsat: f.MinBaseFeeMsat,
    MaxBaseFeeMsat: f.MaxBaseFeeMsat,
    MinFeeRate: f.MinFeeRate,
    MaxFeeRate: f.MaxFeeRate,
    LookbackDays: f.FromDaysAgo,
    Init: f.Init,
  }
}
