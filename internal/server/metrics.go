package server

import (
  "errors"
  "net/http"
  "strconv"

  "github.com/Polyomino/lndmanage/internal/feesetter"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/prometheus/client_golang/prometheus/collectors"
  "github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
  registry *prometheus.Registry
  runs *prometheus.CounterVec
  modes *prometheus.CounterVec
  feeRatePpm *prometheus.GaugeVec
  baseFeeMsat *prometheus.GaugeVec
  weightedChange *prometheus.GaugeVec
  lastRun prometheus.Gauge
}

func NewMetrics() *Metrics {
  m := &Metrics{
    registry: prometheus.NewRegistry(),
    runs: prometheus.NewCounterVec(prometheus.CounterOpts{
      Namespace: "lndmanage",
      Subsystem: "feesetter",
      Name: "runs_total",
      Help: "Fee runs by result.",
    }, []string{"result"}),
    modes: prometheus.NewCounterVec(prometheus.CounterOpts{
      Namespace: "lndmanage",
      Subsystem: "feesetter",
      Name: "mode_decisions_total",
      Help: "Channel decisions that entered or left open or locked mode.",
    }, []string{"mode"}),
    feeRatePpm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
      Namespace: "lndmanage",
      Subsystem: "feesetter",
      Name: "fee_rate_ppm",
      Help: "Fee rate decided by the last run.",
    }, []string{"channel_id"}),
    baseFeeMsat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
      Namespace: "lndmanage",
      Subsystem: "feesetter",
      Name: "base_fee_msat",
      Help: "Base fee decided by the last run.",
    }, []string{"channel_id"}),
    weightedChange: prometheus.NewGaugeVec(prometheus.GaugeOpts{
      Namespace: "lndmanage",
      Subsystem: "feesetter",
      Name: "weighted_change",
      Help: "Weighted fee rate change factor of the last run.",
    }, []string{"channel_id"}),
    lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
      Namespace: "lndmanage",
      Subsystem: "feesetter",
      Name: "last_run_timestamp_seconds",
      Help: "Start of the last run that was not a dry run.",
    }),
  }
  m.registry.MustRegister(
    m.runs,
    m.modes,
    m.feeRatePpm,
    m.baseFeeMsat,
    m.weightedChange,
    m.lastRun,
    collectors.NewGoCollector(),
    collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
  )
  return m
}

func runResultLabel(res feesetter.Result, err error) string {
  switch {
  case errors.Is(err, ErrRunInProgress):
    return "busy"
  case errors.Is(err, ErrNodeNotSynced):
    return "not_synced"
  case err != nil:
    return "failed"
  case res.Run.DryRun:
    return "dry_run"
  case res.Run.Applied:
    return "applied"
  default:
    return "declined"
  }
}

func (m *Metrics) ObserveRun(res feesetter.Result, err error) {
  m.runs.WithLabelValues(runResultLabel(res, err)).Inc()
  if err != nil {
    return
  }
  if res.Run.DryRun {
    return
  }
  m.lastRun.Set(float64(res.Run.StartedAt.Unix()))
  m.feeRatePpm.Reset()
  m.baseFeeMsat.Reset()
  m.weightedChange.Reset()
  for _, d := range res.Decisions {
    id := strconv.FormatUint(d.ChannelID, 10)
    m.feeRatePpm.WithLabelValues(id).Set(d.FeeRateNew * 1e6)
    m.baseFeeMsat.WithLabelValues(id).Set(float64(d.BaseFeeNew))
    m.weightedChange.WithLabelValues(id).Set(d.WeightedChange)
    if d.Mode != feesetter.ModeNone {
      m.modes.WithLabelValues(string(d.Mode)).Inc()
    }
  }
}

// WatchStream exports the number of connected stream clients.
func (m *Metrics) WatchStream(count func() int) {
  m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
    Namespace: "lndmanage",
    Subsystem: "feesetter",
    Name: "stream_clients",
    Help: "Connected websocket stream clients.",
  }, func() float64 {
    return float64(count())
  }))
}

func (m *Metrics) Handler() http.Handler {
  return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
