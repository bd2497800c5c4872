// Package feesetter derives new channel fee policies from forwarding activity
// and balance skew.
package feesetter

import (
  "errors"
  "fmt"
  "time"
)

const (
  // FeeLockRate pins the proportional fee of an overfunded, idle channel.
  FeeLockRate = 0.025
  // ThresholdUbOpen is the unbalancedness below which an idle channel at the
  // minimum fee rate goes into open mode.
  ThresholdUbOpen = -0.5
  // ThresholdUbClose is the unbalancedness above which an idle channel is locked.
  ThresholdUbClose = 0.95
)

const (
  DefaultTimeLockDelta = 14
  DefaultMinBaseFeeMsat = 20
  DefaultMaxBaseFeeMsat = 400
  DefaultMinFeeRate = 0.000004
  DefaultMaxFeeRate = 0.000100
  DefaultLookbackDays = 7
)

var (
  ErrInvalidLookback = errors.New("lookback days must be positive")
  ErrMissingPolicy = errors.New("current fee policy missing")
  ErrInvalidTimeLockDelta = errors.New("time lock delta must be positive")
)

type Channel struct {
  ChannelID uint64 `json:"channel_id"`
  ChannelPoint string `json:"channel_point"`
  Alias string `json:"alias,omitempty"`
  CapacitySat int64 `json:"capacity_sat"`
  Unbalancedness float64 `json:"unbalancedness"`
}

// ForwardingStats aggregates one channel's forwards over the lookback window.
// Volumes are in sat, fees in msat.
type ForwardingStats struct {
  FlowDirection float64 `json:"flow_direction"`
  FeesTotalMsat int64 `json:"fees_total_msat"`
  TotalForwardingIn int64 `json:"total_forwarding_in"`
  TotalForwardingOut int64 `json:"total_forwarding_out"`
  NumberForwardings int64 `json:"number_forwardings"`
  NumberForwardingsOut int64 `json:"number_forwardings_out"`
}

type FeePolicy struct {
  BaseFeeMsat int64 `json:"base_fee_msat"`
  FeeRate float64 `json:"fee_rate"`
  TimeLockDelta uint32 `json:"time_lock_delta"`
}

type RunConfig struct {
  TimeLockDelta uint32 `json:"time_lock_delta"`
  MinBaseFeeMsat int64 `json:"min_base_fee_msat"`
  MaxBaseFeeMsat int64 `json:"max_base_fee_msat"`
  MinFeeRate float64 `json:"min_fee_rate"`
  MaxFeeRate float64 `json:"max_fee_rate"`
  LookbackDays int `json:"lookback_days"`
  Init bool `json:"init"`
  Unattended bool `json:"unattended"`
}

func DefaultRunConfig() RunConfig {
  return RunConfig{
    TimeLockDelta: DefaultTimeLockDelta,
    MinBaseFeeMsat: DefaultMinBaseFeeMsat,
    MaxBaseFeeMsat: DefaultMaxBaseFeeMsat,
    MinFeeRate: DefaultMinFeeRate,
    MaxFeeRate: DefaultMaxFeeRate,
    LookbackDays: DefaultLookbackDays,
  }
}

func (c RunConfig) Validate() error {
  if c.LookbackDays <= 0 {
    return ErrInvalidLookback
  }
  if c.TimeLockDelta == 0 {
    return ErrInvalidTimeLockDelta
  }
  if c.MinBaseFeeMsat < 0 || c.MaxBaseFeeMsat < 0 {
    return errors.New("base fee bounds must not be negative")
  }
  if c.MinBaseFeeMsat > c.MaxBaseFeeMsat {
    return fmt.Errorf("min base fee %d msat above max %d msat", c.MinBaseFeeMsat, c.MaxBaseFeeMsat)
  }
  if c.MinFeeRate < 0 || c.MaxFeeRate < 0 {
    return errors.New("fee rate bounds must not be negative")
  }
  if c.MinFeeRate > c.MaxFeeRate {
    return fmt.Errorf("min fee rate %.6f above max %.6f", c.MinFeeRate, c.MaxFeeRate)
  }
  return nil
}

// Window returns the lookback window ending at end.
func (c RunConfig) Window(end time.Time) (time.Time, time.Time) {
  return end.Add(-time.Duration(c.LookbackDays) * 24 * time.Hour), end
}

type Mode string

const (
  ModeNone Mode = ""
  ModeOpen Mode = "open"
  ModeLeaveOpen Mode = "leave-open"
  ModeLocked Mode = "locked"
  ModeLeaveLocked Mode = "leave-locked"
)

// Decision is the per-channel audit record of one run.
type Decision struct {
  Timestamp time.Time `json:"timestamp"`
  ChannelID uint64 `json:"channel_id"`
  ChannelPoint string `json:"channel_point"`
  Alias string `json:"alias,omitempty"`
  CapacitySat int64 `json:"capacity_sat"`
  Unbalancedness float64 `json:"unbalancedness"`
  Flow float64 `json:"flow"`
  FeesSat float64 `json:"fees_sat"`
  ForwardingIn int64 `json:"forwarding_in"`
  ForwardingOut int64 `json:"forwarding_out"`
  NumberForwardings int64 `json:"number_forwardings"`
  NumberForwardingsOut int64 `json:"number_forwardings_out"`
  FactorDemand float64 `json:"factor_demand"`
  FactorUnbalancedness float64 `json:"factor_unbalancedness"`
  FactorFlow float64 `json:"factor_flow"`
  FactorBaseFee float64 `json:"factor_base_fee"`
  WeightedChange float64 `json:"weighted_change"`
  FeeRateOld float64 `json:"fee_rate_old"`
  FeeRateNew float64 `json:"fee_rate_new"`
  BaseFeeOld int64 `json:"base_fee_msat_old"`
  BaseFeeNew int64 `json:"base_fee_msat_new"`
  TimeLockDelta uint32 `json:"time_lock_delta"`
  Mode Mode `json:"mode,omitempty"`
}

func (d Decision) Policy() FeePolicy {
  return FeePolicy{
    BaseFeeMsat: d.BaseFeeNew,
    FeeRate: d.FeeRateNew,
    TimeLockDelta: d.TimeLockDelta,
  }
}
