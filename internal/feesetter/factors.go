package feesetter

import "math"

const (
  skewMaxChange = 0.5
  skewRescale = 0.5

  demandMinChange = 0.25
  demandMaxChange = 1.00

  // 500000 sat forwarded outwards per week.
  demandTargetSatPerDay = 500000.0 / 7
  // five outward forwards per week.
  demandTargetFwdsPerDay = 5.0 / 7
)

// FactorUnbalancedness maps ub in [-1, 1] to [0.5, 1.5]. The more local
// liquidity a channel holds (ub towards -1), the lower the factor.
func FactorUnbalancedness(ub float64) float64 {
  return skewFactor(ub)
}

// FactorFlow maps the net forwarding direction in [-1, 1] to [0.5, 1.5].
// Predominantly outward flow raises the factor.
func FactorFlow(flow float64) float64 {
  return skewFactor(flow)
}

func skewFactor(x float64) float64 {
  c := 1 + x*skewRescale
  if c > 1 {
    return math.Min(c, 1+skewMaxChange)
  }
  return math.Max(c, 1-skewMaxChange)
}

// FactorDemandFeeRate compares the outward volume per day against a fixed
// target. Only the upper side is clamped; the composer's fee rate band bounds
// the lower side. lookbackDays must be positive.
func FactorDemandFeeRate(amountOutSat int64, lookbackDays int) float64 {
  rate := float64(amountOutSat) / float64(lookbackDays)
  return demandFactor(rate, demandTargetSatPerDay)
}

// FactorDemandBaseFee is FactorDemandFeeRate on forwarding counts.
func FactorDemandBaseFee(numFwdOut int64, lookbackDays int) float64 {
  rate := float64(numFwdOut) / float64(lookbackDays)
  return demandFactor(rate, demandTargetFwdsPerDay)
}

func demandFactor(rate float64, target float64) float64 {
  c := demandMinChange*(rate/target-1) + 1
  return math.Min(c, 1+demandMaxChange)
}
