package feesetter

import (
  "context"
  "errors"
  "fmt"
  "sort"
  "time"

  "github.com/google/uuid"
  "github.com/sirupsen/logrus"
  "golang.org/x/sync/errgroup"
)

type Node interface {
  GetAllChannels(ctx context.Context) (map[uint64]Channel, error)
  GetChannelFeePolicies(ctx context.Context) (map[string]FeePolicy, error)
  SetChannelFeePolicies(ctx context.Context, policies map[string]FeePolicy) error
}

type ForwardingAnalyzer interface {
  InitializeForwardingData(ctx context.Context, start time.Time, end time.Time) error
  GetForwardingStatisticsChannels() map[uint64]ForwardingStats
}

// Confirmer asks whether the computed policies should be applied.
type Confirmer interface {
  Confirm(ctx context.Context, decisions []Decision) (bool, error)
}

type AuditSink interface {
  RecordRun(ctx context.Context, run Run, decisions []Decision) error
}

type Run struct {
  ID string `json:"id"`
  Reason string `json:"reason,omitempty"`
  StartedAt time.Time `json:"started_at"`
  WindowStart time.Time `json:"window_start"`
  WindowEnd time.Time `json:"window_end"`
  Config RunConfig `json:"config"`
  DryRun bool `json:"dry_run"`
  Applied bool `json:"applied"`
  Channels int `json:"channels"`
}

type Result struct {
  Run Run `json:"run"`
  Decisions []Decision `json:"decisions"`
  Policies map[string]FeePolicy `json:"policies"`
}

type Options struct {
  Reason string
  DryRun bool
  Confirmer Confirmer
  Sink AuditSink
}

type FeeSetter struct {
  node Node
  analyzer ForwardingAnalyzer
  logger logrus.FieldLogger
  policies map[string]FeePolicy
  now func() time.Time
}

// New reads the current fee policies once; every run of the returned setter
// decides relative to that snapshot.
func New(ctx context.Context, node Node, analyzer ForwardingAnalyzer, logger logrus.FieldLogger) (*FeeSetter, error) {
  if node == nil {
    return nil, errors.New("node required")
  }
  if analyzer == nil {
    return nil, errors.New("forwarding analyzer required")
  }
  if logger == nil {
    logger = logrus.StandardLogger()
  }
  policies, err := node.GetChannelFeePolicies(ctx)
  if err != nil {
    return nil, fmt.Errorf("fetch fee policies: %w", err)
  }
  return &FeeSetter{
    node: node,
    analyzer: analyzer,
    logger: logger,
    policies: policies,
    now: time.Now,
  }, nil
}

func (s *FeeSetter) SetFees(ctx context.Context, cfg RunConfig, opts Options) (Result, error) {
  if err := cfg.Validate(); err != nil {
    return Result{}, err
  }

  end := s.now().UTC()
  start, end := cfg.Window(end)
  run := Run{
    ID: uuid.NewString(),
    Reason: opts.Reason,
    StartedAt: end,
    WindowStart: start,
    WindowEnd: end,
    Config: cfg,
    DryRun: opts.DryRun,
  }

  var channels map[uint64]Channel
  g, gctx := errgroup.WithContext(ctx)
  g.Go(func() error {
    var err error
    channels, err = s.node.GetAllChannels(gctx)
    if err != nil {
      return fmt.Errorf("fetch channels: %w", err)
    }
    return nil
  })
  g.Go(func() error {
    if err := s.analyzer.InitializeForwardingData(gctx, start, end); err != nil {
      return fmt.Errorf("fetch forwarding history: %w", err)
    }
    return nil
  })
  if err := g.Wait(); err != nil {
    return Result{Run: run}, err
  }

  decisions, err := s.NewFeePolicy(channels, s.analyzer.GetForwardingStatisticsChannels(), cfg)
  if err != nil {
    return Result{Run: run}, err
  }
  run.Channels = len(decisions)
  result := Result{Run: run, Decisions: decisions, Policies: Policies(decisions)}

  if !opts.DryRun {
    apply := cfg.Unattended
    if !apply && opts.Confirmer != nil {
      apply, err = opts.Confirmer.Confirm(ctx, decisions)
      if err != nil {
        return result, fmt.Errorf("confirmation failed: %w", err)
      }
    }
    if apply {
      if err := s.node.SetChannelFeePolicies(ctx, result.Policies); err != nil {
        return result, fmt.Errorf("apply fee policies: %w", err)
      }
      result.Run.Applied = true
      s.logger.Info("Have set new fee policy.")
    } else {
      s.logger.Info("Didn't set new fee policy.")
    }
  }

  if opts.Sink != nil {
    if err := opts.Sink.RecordRun(ctx, result.Run, decisions); err != nil {
      s.logger.WithError(err).Warn("feesetter: audit insert failed")
    }
  }
  return result, nil
}

// NewFeePolicy decides every channel of the snapshot, in channel id order.
func (s *FeeSetter) NewFeePolicy(channels map[uint64]Channel, stats map[uint64]ForwardingStats, cfg RunConfig) ([]Decision, error) {
  if err := cfg.Validate(); err != nil {
    return nil, err
  }
  s.logger.Info("Determining new channel policies based on demand.")
  s.logger.Infof("Every channel will have a base fee of at least %d msat and cltv of %d.", cfg.MinBaseFeeMsat, cfg.TimeLockDelta)

  ids := make([]uint64, 0, len(channels))
  for id := range channels {
    ids = append(ids, id)
  }
  sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

  now := s.now().UTC()
  decisions := make([]Decision, 0, len(ids))
  for _, id := range ids {
    ch := channels[id]
    current, ok := s.policies[ch.ChannelPoint]
    if !ok {
      return nil, fmt.Errorf("%w: channel %d (%s)", ErrMissingPolicy, ch.ChannelID, ch.ChannelPoint)
    }
    d := Decide(ch, current, stats, cfg, now)
    logDecision(s.logger, d)
    decisions = append(decisions, d)
  }
  return decisions, nil
}

func Policies(decisions []Decision) map[string]FeePolicy {
  out := make(map[string]FeePolicy, len(decisions))
  for _, d := range decisions {
    out[d.ChannelPoint] = d.Policy()
  }
  return out
}
