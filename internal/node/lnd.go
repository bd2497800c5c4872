// Package node adapts the LND client to the fee setter's view of a node.
package node

import (
  "context"
  "errors"
  "fmt"
  "sort"

  "github.com/Polyomino/lndmanage/internal/feesetter"
  "github.com/Polyomino/lndmanage/internal/lndclient"

  "github.com/shopspring/decimal"
  "github.com/sirupsen/logrus"
)

type LightningClient interface {
  ListChannels(ctx context.Context) ([]lndclient.ChannelInfo, error)
  FeeReport(ctx context.Context) ([]lndclient.ChannelFee, error)
  UpdateChannelPolicy(ctx context.Context, params lndclient.UpdateChannelPolicyParams) error
}

type Options struct {
  ActiveOnly bool
  // SkipDisabled leaves out channels we announced as disabled.
  SkipDisabled bool
}

type LndNode struct {
  lnd LightningClient
  logger logrus.FieldLogger
  opts Options
}

func NewLndNode(lnd LightningClient, logger logrus.FieldLogger, opts Options) *LndNode {
  if logger == nil {
    logger = logrus.StandardLogger()
  }
  return &LndNode{lnd: lnd, logger: logger, opts: opts}
}

func (n *LndNode) GetAllChannels(ctx context.Context) (map[uint64]feesetter.Channel, error) {
  infos, err := n.lnd.ListChannels(ctx)
  if err != nil {
    return nil, err
  }
  channels := make(map[uint64]feesetter.Channel, len(infos))
  for _, info := range infos {
    if n.opts.ActiveOnly && !info.Active {
      continue
    }
    if n.opts.SkipDisabled && info.LocalDisabled {
      n.logger.Debugf("skipping locally disabled channel %d", info.ChannelID)
      continue
    }
    channels[info.ChannelID] = feesetter.Channel{
      ChannelID: info.ChannelID,
      ChannelPoint: info.ChannelPoint,
      Alias: info.PeerAlias,
      CapacitySat: info.CapacitySat,
      Unbalancedness: info.Unbalancedness(),
    }
  }
  return channels, nil
}

func (n *LndNode) GetChannelFeePolicies(ctx context.Context) (map[string]feesetter.FeePolicy, error) {
  report, err := n.lnd.FeeReport(ctx)
  if err != nil {
    return nil, err
  }
  policies := make(map[string]feesetter.FeePolicy, len(report))
  for _, fee := range report {
    policies[fee.ChannelPoint] = feesetter.FeePolicy{
      BaseFeeMsat: fee.BaseFeeMsat,
      FeeRate: PpmToRate(fee.FeeRatePpm),
    }
  }
  return policies, nil
}

// SetChannelFeePolicies tries every channel and returns the joined failures.
func (n *LndNode) SetChannelFeePolicies(ctx context.Context, policies map[string]feesetter.FeePolicy) error {
  points := make([]string, 0, len(policies))
  for point := range policies {
    points = append(points, point)
  }
  sort.Strings(points)

  var errs []error
  for _, point := range points {
    if err := ctx.Err(); err != nil {
      errs = append(errs, err)
      break
    }
    policy := policies[point]
    params := lndclient.UpdateChannelPolicyParams{
      ChannelPoint: point,
      BaseFeeMsat: policy.BaseFeeMsat,
      FeeRatePpm: RateToPpm(policy.FeeRate),
      TimeLockDelta: int64(policy.TimeLockDelta),
    }
    if err := n.lnd.UpdateChannelPolicy(ctx, params); err != nil {
      n.logger.WithError(err).WithField("channel_point", point).Warn("node: policy update failed")
      errs = append(errs, fmt.Errorf("%s: %w", point, err))
      continue
    }
    n.logger.WithFields(logrus.Fields{
      "channel_point": point,
      "base_fee_msat": params.BaseFeeMsat,
      "fee_rate_ppm": params.FeeRatePpm,
      "cltv": params.TimeLockDelta,
    }).Debug("node: policy updated")
  }
  return errors.Join(errs...)
}

func PpmToRate(ppm int64) float64 {
  return decimal.New(ppm, -6).InexactFloat64()
}

// RateToPpm rounds half away from zero.
func RateToPpm(rate float64) int64 {
  return decimal.NewFromFloat(rate).Shift(6).Round(0).IntPart()
}
