package server

import (
  "context"
  "errors"
  "math/rand"
  "sync"
  "time"

  "github.com/Polyomino/lndmanage/internal/config"
  "github.com/Polyomino/lndmanage/internal/feesetter"
  "github.com/Polyomino/lndmanage/internal/lndclient"

  "github.com/sirupsen/logrus"
)

const (
  feesetterMinInterval = time.Hour
  feesetterMaxInterval = 24 * time.Hour
)

var (
  ErrRunInProgress = errors.New("fee run already running")
  ErrNodeNotSynced = errors.New("lnd not synced to chain and graph")
  ErrHistoryUnavailable = errors.New("run history unavailable")
)

type statusSource interface {
  GetStatus(ctx context.Context) (lndclient.Status, error)
}

type runHistory interface {
  feesetter.AuditSink
  FetchRuns(ctx context.Context, limit int) ([]feesetter.Run, error)
  FetchRun(ctx context.Context, id string) (feesetter.Run, error)
  FetchDecisions(ctx context.Context, runID string) ([]feesetter.Decision, error)
  LastRunAt(ctx context.Context) (time.Time, bool, error)
}

// runObserver sees every finished run, failed ones included.
type runObserver func(res feesetter.Result, err error)

type RunRequest struct {
  Reason string
  DryRun bool
  // Config overrides the configured parameters when set.
  Config *feesetter.RunConfig
}

type FeeSetterStatus struct {
  Enabled bool `json:"enabled"`
  Running bool `json:"running"`
  HistoryEnabled bool `json:"history_enabled"`
  LastRunAt string `json:"last_run_at,omitempty"`
  NextRunAt string `json:"next_run_at,omitempty"`
  LastRunID string `json:"last_run_id,omitempty"`
  LastApplied bool `json:"last_applied"`
  LastChannels int `json:"last_channels"`
  LastError string `json:"last_error,omitempty"`
  Node *lndclient.Status `json:"node,omitempty"`
  NodeError string `json:"node_error,omitempty"`
}

type FeeSetterService struct {
  cfg config.FeeSetterConfig
  status statusSource
  node feesetter.Node
  analyzer feesetter.ForwardingAnalyzer
  logger logrus.FieldLogger

  mu sync.Mutex
  history runHistory
  observers []runObserver
  started bool
  running bool
  stop chan struct{}
  lastRunAt time.Time
  nextRunAt time.Time
  lastError string
  lastRun *feesetter.Run
}

func NewFeeSetterService(cfg config.FeeSetterConfig, status statusSource, node feesetter.Node, analyzer feesetter.ForwardingAnalyzer, logger logrus.FieldLogger) *FeeSetterService {
  if logger == nil {
    logger = logrus.StandardLogger()
  }
  return &FeeSetterService{
    cfg: cfg,
    status: status,
    node: node,
    analyzer: analyzer,
    logger: logger,
  }
}

func (s *FeeSetterService) SetHistory(history runHistory) {
  s.mu.Lock()
  s.history = history
  s.mu.Unlock()
}

func (s *FeeSetterService) History() runHistory {
  s.mu.Lock()
  defer s.mu.Unlock()
  return s.history
}

func (s *FeeSetterService) AddObserver(fn runObserver) {
  s.mu.Lock()
  s.observers = append(s.observers, fn)
  s.mu.Unlock()
}

func (s *FeeSetterService) RunConfig() feesetter.RunConfig {
  return s.cfg.RunConfig()
}

func (s *FeeSetterService) Start() {
  s.mu.Lock()
  if s.started {
    s.mu.Unlock()
    return
  }
  s.started = true
  s.stop = make(chan struct{})
  stop := s.stop
  s.mu.Unlock()

  go s.loop(stop)
}

func (s *FeeSetterService) Stop() {
  s.mu.Lock()
  if s.stop != nil {
    close(s.stop)
    s.stop = nil
  }
  s.started = false
  s.mu.Unlock()
}

func (s *FeeSetterService) loop(stop chan struct{}) {
  interval := clampInterval(time.Duration(s.cfg.RunIntervalSec) * time.Second)
  for {
    now := time.Now()
    s.mu.Lock()
    base := s.lastRunAt
    history := s.history
    s.mu.Unlock()
    if base.IsZero() && history != nil {
      ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
      if ts, ok, err := history.LastRunAt(ctx); err == nil && ok {
        base = ts
        s.mu.Lock()
        s.lastRunAt = ts
        s.mu.Unlock()
      }
      cancel()
    }

    jitter := time.Duration(rand.Int63n(int64(interval/10)+1)) - interval/20
    next := nextRunTime(base, now, interval, jitter)
    s.mu.Lock()
    s.nextRunAt = next
    s.mu.Unlock()

    timer := time.NewTimer(time.Until(next))
    select {
    case <-stop:
      timer.Stop()
      return
    case <-timer.C:
      if _, err := s.Run(context.Background(), RunRequest{Reason: "scheduled"}); err != nil {
        s.logger.WithError(err).Warn("feesetter: scheduled run failed")
      }
    }
  }
}

func clampInterval(interval time.Duration) time.Duration {
  if interval < feesetterMinInterval {
    return feesetterMinInterval
  }
  if interval > feesetterMaxInterval {
    return feesetterMaxInterval
  }
  return interval
}

// nextRunTime schedules one interval after the last run, skipping slots that
// already passed, and never sooner than a minute from now.
func nextRunTime(lastRun time.Time, now time.Time, interval time.Duration, jitter time.Duration) time.Time {
  base := now
  if !lastRun.IsZero() {
    base = lastRun
  }
  next := base.Add(interval)
  if !lastRun.IsZero() && base.Before(now) {
    elapsed := now.Sub(base)
    steps := int64(elapsed/interval) + 1
    next = base.Add(time.Duration(steps) * interval)
  }
  next = next.Add(jitter)
  if next.Before(now.Add(time.Minute)) {
    next = now.Add(time.Minute)
  }
  return next
}

// Run executes one fee run. Without DryRun the new policies are applied
// unattended.
func (s *FeeSetterService) Run(ctx context.Context, req RunRequest) (feesetter.Result, error) {
  if s.node == nil || s.analyzer == nil {
    return feesetter.Result{}, errors.New("lnd unavailable")
  }

  s.mu.Lock()
  if s.running {
    s.mu.Unlock()
    return feesetter.Result{}, ErrRunInProgress
  }
  s.running = true
  history := s.history
  observers := append([]runObserver(nil), s.observers...)
  s.mu.Unlock()

  res, err := s.run(ctx, req, history)

  s.mu.Lock()
  s.running = false
  if !req.DryRun {
    s.lastRunAt = time.Now()
  }
  if err != nil {
    s.lastError = err.Error()
  } else {
    s.lastError = ""
    run := res.Run
    s.lastRun = &run
  }
  s.mu.Unlock()

  for _, fn := range observers {
    fn(res, err)
  }
  return res, err
}

func (s *FeeSetterService) run(ctx context.Context, req RunRequest, history runHistory) (feesetter.Result, error) {
  if s.status != nil {
    status, err := s.status.GetStatus(ctx)
    if err == nil && (!status.SyncedToChain || !status.SyncedToGraph) {
      return feesetter.Result{}, ErrNodeNotSynced
    }
  }

  cfg := s.cfg.RunConfig()
  if req.Config != nil {
    cfg = *req.Config
  }
  cfg.Unattended = !req.DryRun

  setter, err := feesetter.New(ctx, s.node, s.analyzer, s.logger)
  if err != nil {
    return feesetter.Result{}, err
  }
  opts := feesetter.Options{Reason: req.Reason, DryRun: req.DryRun}
  if history != nil {
    opts.Sink = history
  }
  res, err := setter.SetFees(ctx, cfg, opts)
  if err != nil {
    return res, err
  }
  s.logger.WithFields(logrus.Fields{
    "run_id": res.Run.ID,
    "reason": req.Reason,
    "dry_run": req.DryRun,
    "channels": res.Run.Channels,
    "applied": res.Run.Applied,
  }).Info("feesetter: run finished")
  return res, nil
}

func (s *FeeSetterService) Status() FeeSetterStatus {
  s.mu.Lock()
  defer s.mu.Unlock()
  status := FeeSetterStatus{
    Enabled: s.cfg.Enabled,
    Running: s.running,
    HistoryEnabled: s.history != nil,
    LastError: s.lastError,
  }
  if !s.lastRunAt.IsZero() {
    status.LastRunAt = s.lastRunAt.UTC().Format(time.RFC3339)
  }
  if !s.nextRunAt.IsZero() {
    status.NextRunAt = s.nextRunAt.UTC().Format(time.RFC3339)
  }
  if s.lastRun != nil {
    status.LastRunID = s.lastRun.ID
    status.LastApplied = s.lastRun.Applied
    status.LastChannels = s.lastRun.Channels
  }
  return status
}

// StatusWithNode adds the cached LND status to Status.
func (s *FeeSetterService) StatusWithNode(ctx context.Context) FeeSetterStatus {
  status := s.Status()
  if s.status == nil {
    return status
  }
  node, err := s.status.GetStatus(ctx)
  if err != nil {
    status.NodeError = err.Error()
    return status
  }
  status.Node = &node
  return status
}
