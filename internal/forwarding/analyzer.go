// Package forwarding aggregates a node's forwarding history per channel.
package forwarding

import (
  "context"
  "errors"
  "sync"
  "time"

  "github.com/Polyomino/lndmanage/internal/feesetter"
  "github.com/Polyomino/lndmanage/internal/lndclient"

  "github.com/sirupsen/logrus"
)

type EventSource interface {
  ForwardingHistory(ctx context.Context, start time.Time, end time.Time) ([]lndclient.ForwardingEvent, error)
}

type Analyzer struct {
  source EventSource
  logger logrus.FieldLogger

  mu sync.RWMutex
  stats map[uint64]feesetter.ForwardingStats
}

func NewAnalyzer(source EventSource, logger logrus.FieldLogger) *Analyzer {
  if logger == nil {
    logger = logrus.StandardLogger()
  }
  return &Analyzer{source: source, logger: logger, stats: map[uint64]feesetter.ForwardingStats{}}
}

// InitializeForwardingData replaces the statistics with the forwards between
// start and end.
func (a *Analyzer) InitializeForwardingData(ctx context.Context, start time.Time, end time.Time) error {
  if !end.After(start) {
    return errors.New("forwarding window end must be after start")
  }
  events, err := a.source.ForwardingHistory(ctx, start, end)
  if err != nil {
    return err
  }
  stats := Aggregate(events)

  a.mu.Lock()
  a.stats = stats
  a.mu.Unlock()

  a.logger.WithFields(logrus.Fields{
    "events": len(events),
    "channels": len(stats),
    "start": start.Format(time.RFC3339),
    "end": end.Format(time.RFC3339),
  }).Info("forwarding: history loaded")
  return nil
}

func (a *Analyzer) GetForwardingStatisticsChannels() map[uint64]feesetter.ForwardingStats {
  a.mu.RLock()
  defer a.mu.RUnlock()
  out := make(map[uint64]feesetter.ForwardingStats, len(a.stats))
  for id, st := range a.stats {
    out[id] = st
  }
  return out
}

// Aggregate attributes incoming volume to the incoming channel and outgoing
// volume plus the earned fee to the outgoing channel. Channels without any
// forward get no entry.
func Aggregate(events []lndclient.ForwardingEvent) map[uint64]feesetter.ForwardingStats {
  stats := make(map[uint64]feesetter.ForwardingStats)
  for _, evt := range events {
    in := stats[evt.ChanIDIn]
    in.TotalForwardingIn += evt.AmtInSat
    in.NumberForwardings++
    stats[evt.ChanIDIn] = in

    out := stats[evt.ChanIDOut]
    out.TotalForwardingOut += evt.AmtOutSat
    out.FeesTotalMsat += evt.FeeMsat
    out.NumberForwardings++
    out.NumberForwardingsOut++
    stats[evt.ChanIDOut] = out
  }
  for id, st := range stats {
    st.FlowDirection = FlowDirection(st.TotalForwardingIn, st.TotalForwardingOut)
    stats[id] = st
  }
  return stats
}

// FlowDirection is +1 for outgoing only, -1 for incoming only and 0 without
// traffic.
func FlowDirection(in int64, out int64) float64 {
  total := in + out
  if total == 0 {
    return 0
  }
  return float64(out-in) / float64(total)
}
