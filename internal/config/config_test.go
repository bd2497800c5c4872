package config

import (
  "os"
  "path/filepath"
  "testing"

  "github.com/Polyomino/lndmanage/internal/feesetter"

  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
  t.Helper()
  for _, key := range []string{
    "LND_GRPC_HOST", "LND_TLS_CERT_PATH", "LND_MACAROON_PATH",
    "FEESETTER_PG_DSN", "LOG_LEVEL", "SERVER_PORT",
  } {
    t.Setenv(key, "")
  }
}

func TestLoadDefaults(t *testing.T) {
  clearEnv(t)

  cfg, err := Load("")
  require.NoError(t, err)
  assert.Equal(t, DefaultServerPort, cfg.Server.Port)
  assert.Equal(t, DefaultGRPCHost, cfg.LND.GRPCHost)
  assert.Equal(t, "info", cfg.Log.Level)

  run := cfg.FeeSetter.RunConfig()
  assert.Equal(t, feesetter.DefaultRunConfig(), run)
}

func TestLoadFile(t *testing.T) {
  clearEnv(t)

  path := filepath.Join(t.TempDir(), "config.yaml")
  content := `
server:
  port: 9443
lnd:
  grpc_host: "node:10009"
  tls_cert_path: /data/tls.cert
  admin_macaroon_path: /data/admin.macaroon
feesetter:
  cltv: 40
  max_fee_rate: 0.0005
  from_days_ago: 14
  init: true
  enabled: true
log:
  level: debug
`
  require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

  cfg, err := Load(path)
  require.NoError(t, err)
  assert.Equal(t, 9443, cfg.Server.Port)
  assert.Equal(t, "node:10009", cfg.LND.GRPCHost)
  assert.Equal(t, "/data/admin.macaroon", cfg.LND.AdminMacaroonPath)
  assert.True(t, cfg.FeeSetter.Enabled)

  run := cfg.FeeSetter.RunConfig()
  assert.Equal(t, uint32(40), run.TimeLockDelta)
  assert.Equal(t, 0.0005, run.MaxFeeRate)
  // untouched keys keep their defaults
  assert.Equal(t, feesetter.DefaultMinFeeRate, run.MinFeeRate)
  assert.Equal(t, int64(feesetter.DefaultMinBaseFeeMsat), run.MinBaseFeeMsat)
  assert.Equal(t, 14, run.LookbackDays)
  assert.True(t, run.Init)
}

func TestLoadEnvOverrides(t *testing.T) {
  clearEnv(t)
  t.Setenv("FEESETTER_PG_DSN", "postgres://fees@localhost/fees")
  t.Setenv("LND_GRPC_HOST", "lnd:10009")
  t.Setenv("SERVER_PORT", "9000")

  cfg, err := Load("")
  require.NoError(t, err)
  assert.Equal(t, "postgres://fees@localhost/fees", cfg.Database.DSN)
  assert.Equal(t, "lnd:10009", cfg.LND.GRPCHost)
  assert.Equal(t, 9000, cfg.Server.Port)

  t.Setenv("SERVER_PORT", "nope")
  _, err = Load("")
  assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
  clearEnv(t)
  _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
  assert.Error(t, err)
}

func TestValidate(t *testing.T) {
  tests := []struct {
    name string
    mutate func(c *Config)
  }{
    {name: "port", mutate: func(c *Config) { c.Server.Port = 0 }},
    {name: "grpc host", mutate: func(c *Config) { c.LND.GRPCHost = " " }},
    {name: "cltv", mutate: func(c *Config) { c.FeeSetter.TimeLockDelta = 0 }},
    {name: "lookback", mutate: func(c *Config) { c.FeeSetter.FromDaysAgo = 0 }},
    {name: "fee rate bounds", mutate: func(c *Config) { c.FeeSetter.MinFeeRate = 0.01 }},
    {name: "base fee bounds", mutate: func(c *Config) { c.FeeSetter.MaxBaseFeeMsat = 10 }},
    {name: "log level", mutate: func(c *Config) { c.Log.Level = "loud" }},
  }
  for _, tc := range tests {
    tc := tc
    t.Run(tc.name, func(t *testing.T) {
      cfg := Default()
      tc.mutate(cfg)
      assert.Error(t, cfg.Validate())
    })
  }
  assert.NoError(t, Default().Validate())
}
