package feesetter

import (
  "math"
  "strconv"
  "time"
)

const (
  weightDemand = 1.3
  weightUnbalancedness = 1.0
  weightFlow = 0.6

  // LND expects fee rates with six decimals.
  feeRateDecimals = 6
)

type activity struct {
  flow float64
  feesMsat int64
  in int64
  out int64
  total int64
  nFwd int64
  nFwdOut int64
}

// channelActivity normalizes the forwarding statistics of one channel. A
// channel without an entry had no forwards in the window.
func channelActivity(channelID uint64, stats map[uint64]ForwardingStats) activity {
  st, ok := stats[channelID]
  if !ok {
    return activity{}
  }
  return activity{
    flow: st.FlowDirection,
    feesMsat: st.FeesTotalMsat,
    in: st.TotalForwardingIn,
    out: st.TotalForwardingOut,
    total: st.TotalForwardingIn + st.TotalForwardingOut,
    nFwd: st.NumberForwardings,
    nFwdOut: st.NumberForwardingsOut,
  }
}

// WeightedChange combines the three fee rate factors. The flow factor is
// ignored when the channel saw no forwards at all.
func WeightedChange(factorUb, factorFlow, factorDemand float64, totalForwarding int64) float64 {
  wgtFlow := weightFlow
  if totalForwarding == 0 {
    wgtFlow = 0
  }
  return (weightUnbalancedness*factorUb + wgtFlow*factorFlow + weightDemand*factorDemand) /
    (weightUnbalancedness + wgtFlow + weightDemand)
}

// NewFeeRate applies the weighted change to the current fee rate and then the
// open/locked mode overlay.
func NewFeeRate(current float64, weightedChange float64, ub float64, totalForwardingOut int64, cfg RunConfig) (float64, Mode) {
  if cfg.Init {
    if weightedChange < 1 {
      return cfg.MinFeeRate, ModeNone
    }
    return cfg.MaxFeeRate / 2, ModeNone
  }

  rate := roundFeeRate(current * weightedChange)
  rate = clampFloat(rate, cfg.MinFeeRate, cfg.MaxFeeRate)
  mode := ModeNone

  if current <= cfg.MinFeeRate && ub < ThresholdUbOpen && totalForwardingOut == 0 {
    rate = 0
    mode = ModeOpen
  } else if current == 0 && totalForwardingOut > 0 && ub > ThresholdUbOpen {
    rate = cfg.MinFeeRate
    mode = ModeLeaveOpen
  }

  if ub > ThresholdUbClose && totalForwardingOut == 0 {
    rate = FeeLockRate
    mode = ModeLocked
  } else if current == FeeLockRate && ub < ThresholdUbClose {
    rate = cfg.MaxFeeRate / 2
    mode = ModeLeaveLocked
  }
  return rate, mode
}

func NewBaseFee(current int64, factor float64, cfg RunConfig) int64 {
  if cfg.Init {
    if factor < 1 {
      return cfg.MinBaseFeeMsat
    }
    return cfg.MaxBaseFeeMsat
  }
  next := int64(float64(current) * factor)
  if next < cfg.MinBaseFeeMsat {
    return cfg.MinBaseFeeMsat
  }
  return next
}

// Decide computes the new policy of one channel. It holds no state: the
// hysteresis of the modes comes from the current policy alone.
func Decide(ch Channel, current FeePolicy, stats map[uint64]ForwardingStats, cfg RunConfig, now time.Time) Decision {
  act := channelActivity(ch.ChannelID, stats)

  factorDemand := FactorDemandFeeRate(act.out, cfg.LookbackDays)
  factorUb := FactorUnbalancedness(ch.Unbalancedness)
  factorFlow := FactorFlow(act.flow)
  wc := WeightedChange(factorUb, factorFlow, factorDemand, act.total)
  feeRate, mode := NewFeeRate(current.FeeRate, wc, ch.Unbalancedness, act.out, cfg)

  factorBase := FactorDemandBaseFee(act.nFwdOut, cfg.LookbackDays)
  baseFee := NewBaseFee(current.BaseFeeMsat, factorBase, cfg)

  return Decision{
    Timestamp: now,
    ChannelID: ch.ChannelID,
    ChannelPoint: ch.ChannelPoint,
    Alias: ch.Alias,
    CapacitySat: ch.CapacitySat,
    Unbalancedness: ch.Unbalancedness,
    Flow: act.flow,
    FeesSat: float64(act.feesMsat) / 1000,
    ForwardingIn: act.in,
    ForwardingOut: act.out,
    NumberForwardings: act.nFwd,
    NumberForwardingsOut: act.nFwdOut,
    FactorDemand: factorDemand,
    FactorUnbalancedness: factorUb,
    FactorFlow: factorFlow,
    FactorBaseFee: factorBase,
    WeightedChange: wc,
    FeeRateOld: current.FeeRate,
    FeeRateNew: feeRate,
    BaseFeeOld: current.BaseFeeMsat,
    BaseFeeNew: baseFee,
    TimeLockDelta: cfg.TimeLockDelta,
    Mode: mode,
  }
}

// roundFeeRate rounds the exact binary value of v, not its shortest decimal
// form: 0.000004*1.625 lands just below 6.5e-06 and becomes 6e-06.
func roundFeeRate(v float64) float64 {
  r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', feeRateDecimals, 64), 64)
  if err != nil {
    return v
  }
  return r
}

func clampFloat(v float64, min float64, max float64) float64 {
  return math.Min(math.Max(min, v), max)
}
