package server

import (
  "context"
  "io"
  "sync"
  "time"

  "github.com/Polyomino/lndmanage/internal/config"
  "github.com/Polyomino/lndmanage/internal/feesetter"
  "github.com/Polyomino/lndmanage/internal/lndclient"
  "github.com/Polyomino/lndmanage/internal/store"

  "github.com/sirupsen/logrus"
)

type fakeNode struct {
  mu sync.Mutex
  channels map[uint64]feesetter.Channel
  policies map[string]feesetter.FeePolicy
  setCalls int
}

func newFakeNode() *fakeNode {
  return &fakeNode{
    channels: map[uint64]feesetter.Channel{
      1: {ChannelID: 1, ChannelPoint: "aa:0", CapacitySat: 1_000_000, Unbalancedness: 0.1},
      2: {ChannelID: 2, ChannelPoint: "bb:0", CapacitySat: 2_000_000, Unbalancedness: 0.99},
    },
    policies: map[string]feesetter.FeePolicy{
      "aa:0": {BaseFeeMsat: 100, FeeRate: 0.00005},
      "bb:0": {BaseFeeMsat: 20, FeeRate: 0.00001},
    },
  }
}

func (n *fakeNode) GetAllChannels(ctx context.Context) (map[uint64]feesetter.Channel, error) {
  return n.channels, nil
}

func (n *fakeNode) GetChannelFeePolicies(ctx context.Context) (map[string]feesetter.FeePolicy, error) {
  return n.policies, nil
}

func (n *fakeNode) SetChannelFeePolicies(ctx context.Context, policies map[string]feesetter.FeePolicy) error {
  n.mu.Lock()
  n.setCalls++
  n.mu.Unlock()
  return nil
}

func (n *fakeNode) calls() int {
  n.mu.Lock()
  defer n.mu.Unlock()
  return n.setCalls
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) InitializeForwardingData(ctx context.Context, start time.Time, end time.Time) error {
  return nil
}

func (fakeAnalyzer) GetForwardingStatisticsChannels() map[uint64]feesetter.ForwardingStats {
  return map[uint64]feesetter.ForwardingStats{
    1: {FlowDirection: 1, TotalForwardingOut: 250000, NumberForwardings: 3, NumberForwardingsOut: 3, FeesTotalMsat: 12000},
  }
}

type fakeStatus struct {
  status lndclient.Status
  err error
}

func (f fakeStatus) GetStatus(ctx context.Context) (lndclient.Status, error) {
  return f.status, f.err
}

type fakeHistory struct {
  mu sync.Mutex
  runs []feesetter.Run
  decisions map[string][]feesetter.Decision
  last time.Time
}

func (h *fakeHistory) RecordRun(ctx context.Context, run feesetter.Run, decisions []feesetter.Decision) error {
  h.mu.Lock()
  defer h.mu.Unlock()
  if h.decisions == nil {
    h.decisions = map[string][]feesetter.Decision{}
  }
  h.runs = append(h.runs, run)
  h.decisions[run.ID] = decisions
  return nil
}

func (h *fakeHistory) FetchRuns(ctx context.Context, limit int) ([]feesetter.Run, error) {
  h.mu.Lock()
  defer h.mu.Unlock()
  return append([]feesetter.Run(nil), h.runs...), nil
}

func (h *fakeHistory) FetchRun(ctx context.Context, id string) (feesetter.Run, error) {
  h.mu.Lock()
  defer h.mu.Unlock()
  for _, run := range h.runs {
    if run.ID == id {
      return run, nil
    }
  }
  return feesetter.Run{}, store.ErrRunNotFound
}

func (h *fakeHistory) FetchDecisions(ctx context.Context, runID string) ([]feesetter.Decision, error) {
  h.mu.Lock()
  defer h.mu.Unlock()
  return h.decisions[runID], nil
}

func (h *fakeHistory) LastRunAt(ctx context.Context) (time.Time, bool, error) {
  return h.last, !h.last.IsZero(), nil
}

func quietLogger() *logrus.Logger {
  logger := logrus.New()
  logger.SetOutput(io.Discard)
  return logger
}

func syncedStatus() fakeStatus {
  return fakeStatus{status: lndclient.Status{
    ServiceActive: true,
    SyncedToChain: true,
    SyncedToGraph: true,
    BlockHeight: 880000,
    Version: "0.18.3-beta",
    Pubkey: "02abc",
    Alias: "testnode",
    ChannelsActive: 2,
  }}
}

func newTestService(node *fakeNode) *FeeSetterService {
  return NewFeeSetterService(config.Default().FeeSetter, syncedStatus(), node, fakeAnalyzer{}, quietLogger())
}

func newTestServer(svc *FeeSetterService) *Server {
  logger := quietLogger()
  s := &Server{
    cfg: config.Default(),
    logger: logger,
    metrics: NewMetrics(),
    stream: newStreamHub(logger),
    feesetter: svc,
  }
  s.metrics.WatchStream(s.stream.count)
  svc.AddObserver(s.metrics.ObserveRun)
  svc.AddObserver(s.stream.Publish)
  return s
}
