package main

import (
  "bufio"
  "context"
  "fmt"
  "io"
  "os"
  "strings"
  "text/tabwriter"
  "time"

  "github.com/Polyomino/lndmanage/internal/config"
  "github.com/Polyomino/lndmanage/internal/feesetter"
  "github.com/Polyomino/lndmanage/internal/forwarding"
  "github.com/Polyomino/lndmanage/internal/lndclient"
  "github.com/Polyomino/lndmanage/internal/node"
  "github.com/Polyomino/lndmanage/internal/store"

  "github.com/sirupsen/logrus"
  "github.com/spf13/cobra"
)

const setFeesTimeout = 5 * time.Minute

type setFeesFlags struct {
  cltv uint32
  minBaseFee int64
  maxBaseFee int64
  minFeeRate float64
  maxFeeRate float64
  fromDaysAgo int
  init bool
  reckless bool
  dryRun bool
  activeOnly bool
  skipDisabled bool
}

func newSetFeesCmd() *cobra.Command {
  f := &setFeesFlags{}
  cmd := &cobra.Command{
    Use: "set-fees",
    Short: "Set channel fees based on demand, balance and flow",
    Args: cobra.NoArgs,
    RunE: func(cmd *cobra.Command, args []string) error {
      cfg, logger, err := loadConfig()
      if err != nil {
        return err
      }
      runCfg := f.apply(cmd, cfg.FeeSetter.RunConfig())
      return runSetFees(cmd.Context(), cfg, logger, runCfg, f, cmd.InOrStdin(), cmd.OutOrStdout())
    },
  }

  defaults := feesetter.DefaultRunConfig()
  flags := cmd.Flags()
  flags.Uint32Var(&f.cltv, "cltv", defaults.TimeLockDelta, "time lock delta")
  flags.Int64Var(&f.minBaseFee, "min-base-fee", defaults.MinBaseFeeMsat, "minimum base fee in msat")
  flags.Int64Var(&f.maxBaseFee, "max-base-fee", defaults.MaxBaseFeeMsat, "base fee in msat used by --init above demand")
  flags.Float64Var(&f.minFeeRate, "min-fee-rate", defaults.MinFeeRate, "minimum fee rate")
  flags.Float64Var(&f.maxFeeRate, "max-fee-rate", defaults.MaxFeeRate, "maximum fee rate")
  flags.IntVar(&f.fromDaysAgo, "from-days-ago", defaults.LookbackDays, "forwarding history window in days")
  flags.BoolVar(&f.init, "init", false, "reset fees to the bounds instead of adjusting them")
  flags.BoolVar(&f.reckless, "reckless", false, "apply without asking")
  flags.BoolVar(&f.reckless, "unattended", false, "alias of --reckless")
  flags.BoolVar(&f.dryRun, "dry-run", false, "compute and print only")
  flags.BoolVar(&f.activeOnly, "active-only", false, "skip inactive channels")
  flags.BoolVar(&f.skipDisabled, "skip-disabled", false, "skip channels we have disabled")
  return cmd
}

// apply overrides the configured run parameters with the flags given on the
// command line.
func (f *setFeesFlags) apply(cmd *cobra.Command, cfg feesetter.RunConfig) feesetter.RunConfig {
  flags := cmd.Flags()
  if flags.Changed("cltv") {
    cfg.TimeLockDelta = f.cltv
  }
  if flags.Changed("min-base-fee") {
    cfg.MinBaseFeeMsat = f.minBaseFee
  }
  if flags.Changed("max-base-fee") {
    cfg.MaxBaseFeeMsat = f.maxBaseFee
  }
  if flags.Changed("min-fee-rate") {
    cfg.MinFeeRate = f.minFeeRate
  }
  if flags.Changed("max-fee-rate") {
    cfg.MaxFeeRate = f.maxFeeRate
  }
  if flags.Changed("from-days-ago") {
    cfg.LookbackDays = f.fromDaysAgo
  }
  if flags.Changed("init") {
    cfg.Init = f.init
  }
  cfg.Unattended = f.reckless
  return cfg
}

func runSetFees(ctx context.Context, cfg *config.Config, logger *logrus.Logger, runCfg feesetter.RunConfig, f *setFeesFlags, in io.Reader, out io.Writer) error {
  if ctx == nil {
    ctx = context.Background()
  }
  ctx, cancel := context.WithTimeout(ctx, setFeesTimeout)
  defer cancel()

  lnd := lndclient.New(cfg, logger)
  setter, err := feesetter.New(ctx, node.NewLndNode(lnd, logger, node.Options{ActiveOnly: f.activeOnly, SkipDisabled: f.skipDisabled}), forwarding.NewAnalyzer(lnd, logger), logger)
  if err != nil {
    return err
  }

  opts := feesetter.Options{
    Reason: "cli",
    DryRun: f.dryRun,
    Confirmer: newPromptConfirmer(in, out),
  }
  if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
    st, err := store.Open(ctx, dsn)
    if err != nil {
      logger.WithError(err).Warn("run history unavailable")
    } else {
      defer st.Close()
      opts.Sink = st
    }
  }

  res, err := setter.SetFees(ctx, runCfg, opts)
  if err != nil {
    return err
  }
  if f.dryRun {
    printDecisions(out, res.Decisions)
  }
  return nil
}

type promptConfirmer struct {
  in *bufio.Reader
  out io.Writer
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
  if in == nil {
    in = os.Stdin
  }
  return &promptConfirmer{in: bufio.NewReader(in), out: out}
}

// Confirm shows the decisions and accepts only an explicit "yes".
func (c *promptConfirmer) Confirm(ctx context.Context, decisions []feesetter.Decision) (bool, error) {
  printDecisions(c.out, decisions)
  fmt.Fprintln(c.out, "Do you want to set these fees? Enter [yes/no]:")
  line, err := c.in.ReadString('\n')
  if err != nil && err != io.EOF {
    return false, err
  }
  return strings.TrimSpace(strings.ToLower(line)) == "yes", nil
}

func printDecisions(out io.Writer, decisions []feesetter.Decision) {
  w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
  fmt.Fprintln(w, "channel\talias\tub\tflow\tfee rate\t\tbase fee\t\tmode\t")
  for _, d := range decisions {
    fmt.Fprintf(w, "%d\t%s\t%.2f\t%.2f\t%.6f\t%.6f\t%d\t%d\t%s\t\n",
      d.ChannelID, d.Alias, d.Unbalancedness, d.Flow,
      d.FeeRateOld, d.FeeRateNew, d.BaseFeeOld, d.BaseFeeNew, d.Mode)
  }
  _ = w.Flush()
}
