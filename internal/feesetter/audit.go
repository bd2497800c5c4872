package feesetter

import (
  "fmt"

  "github.com/sirupsen/logrus"
)

func (d Decision) Fields() logrus.Fields {
  fields := logrus.Fields{
    "channel_id": d.ChannelID,
    "channel_point": d.ChannelPoint,
    "capacity_sat": d.CapacitySat,
    "ub": d.Unbalancedness,
    "flow": d.Flow,
    "fees_sat": d.FeesSat,
    "fwd_in_sat": d.ForwardingIn,
    "fwd_out_sat": d.ForwardingOut,
    "nfwd": d.NumberForwardings,
    "nfwd_out": d.NumberForwardingsOut,
    "factor_demand": d.FactorDemand,
    "factor_ub": d.FactorUnbalancedness,
    "factor_flow": d.FactorFlow,
    "factor_base_fee": d.FactorBaseFee,
    "weighted_change": d.WeightedChange,
    "fee_rate_old": d.FeeRateOld,
    "fee_rate_new": d.FeeRateNew,
    "base_fee_old": d.BaseFeeOld,
    "base_fee_new": d.BaseFeeNew,
  }
  if d.Mode != ModeNone {
    fields["mode"] = string(d.Mode)
  }
  return fields
}

// StatsLine renders the decision as one space separated line for offline
// analysis.
func (d Decision) StatsLine() string {
  return fmt.Sprintf("stats: %d %d %d %d %.3f %.3f %.3f %d %.3f %.3f %.3f %.3f %.6f %.6f %d %d %.3f %d %d",
    d.Timestamp.Unix(), d.ChannelID,
    d.ForwardingIn, d.ForwardingOut,
    d.Unbalancedness, d.Flow,
    d.FeesSat, d.CapacitySat, d.FactorDemand,
    d.FactorUnbalancedness, d.FactorFlow,
    d.WeightedChange, d.FeeRateOld, d.FeeRateNew,
    d.NumberForwardings, d.NumberForwardingsOut,
    d.FactorBaseFee, d.BaseFeeOld, d.BaseFeeNew,
  )
}

func modeLine(m Mode) string {
  switch m {
  case ModeOpen:
    return "> Open mode."
  case ModeLeaveOpen:
    return "> Leaving open mode."
  case ModeLocked:
    return "> Fee locked mode."
  case ModeLeaveLocked:
    return "> Leaving fee locked mode."
  }
  return ""
}

func logDecision(logger logrus.FieldLogger, d Decision) {
  log := logger.WithField("channel_id", d.ChannelID)
  log.Infof(">>> New channel policy for channel %d", d.ChannelID)
  log.Infof("    ub: %0.2f flow: %0.2f, fees: %1.3f sat, cap: %d sat, nfwd: %d, in: %d sat, out: %d sat.",
    d.Unbalancedness, d.Flow, d.FeesSat, d.CapacitySat, d.NumberForwardings, d.ForwardingIn, d.ForwardingOut)
  log.Infof("    Change factors: demand: %1.3f, unbalancedness %1.3f, flow: %1.3f. Weighted change: %1.3f",
    d.FactorDemand, d.FactorUnbalancedness, d.FactorFlow, d.WeightedChange)
  if line := modeLine(d.Mode); line != "" {
    log.Info("    " + line)
  }
  log.Infof("    Fee rate: %1.6f -> %1.6f", d.FeeRateOld, d.FeeRateNew)
  log.Infof("    Base fee: %4d -> %4d (factor %1.3f)", d.BaseFeeOld, d.BaseFeeNew, d.FactorBaseFee)
  logger.WithFields(d.Fields()).Debug(d.StatsLine())
}
