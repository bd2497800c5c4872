package node

import (
  "context"
  "errors"
  "io"
  "testing"

  "github.com/Polyomino/lndmanage/internal/feesetter"
  "github.com/Polyomino/lndmanage/internal/lndclient"

  "github.com/sirupsen/logrus"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

type fakeLightning struct {
  channels []lndclient.ChannelInfo
  fees []lndclient.ChannelFee
  updates []lndclient.UpdateChannelPolicyParams
  failFor map[string]error
}

func (f *fakeLightning) ListChannels(ctx context.Context) ([]lndclient.ChannelInfo, error) {
  return f.channels, nil
}

func (f *fakeLightning) FeeReport(ctx context.Context) ([]lndclient.ChannelFee, error) {
  return f.fees, nil
}

func (f *fakeLightning) UpdateChannelPolicy(ctx context.Context, params lndclient.UpdateChannelPolicyParams) error {
  f.updates = append(f.updates, params)
  if err, ok := f.failFor[params.ChannelPoint]; ok {
    return err
  }
  return nil
}

func quietLogger() *logrus.Logger {
  logger := logrus.New()
  logger.SetOutput(io.Discard)
  return logger
}

func TestGetAllChannels(t *testing.T) {
  lnd := &fakeLightning{channels: []lndclient.ChannelInfo{
    {ChannelID: 1, ChannelPoint: "a:0", PeerAlias: "alice", Active: true, CapacitySat: 1000, LocalBalanceSat: 1000},
    {ChannelID: 2, ChannelPoint: "b:0", Active: false, CapacitySat: 1000, LocalBalanceSat: 250},
  }}

  channels, err := NewLndNode(lnd, quietLogger(), Options{}).GetAllChannels(context.Background())
  require.NoError(t, err)
  require.Len(t, channels, 2)
  assert.Equal(t, "alice", channels[1].Alias)
  assert.InDelta(t, -1.0, channels[1].Unbalancedness, 1e-12)
  assert.InDelta(t, 0.5, channels[2].Unbalancedness, 1e-12)

  channels, err = NewLndNode(lnd, quietLogger(), Options{ActiveOnly: true}).GetAllChannels(context.Background())
  require.NoError(t, err)
  assert.Len(t, channels, 1)
}

func TestGetAllChannelsSkipDisabled(t *testing.T) {
  lnd := &fakeLightning{channels: []lndclient.ChannelInfo{
    {ChannelID: 1, ChannelPoint: "a:0", Active: true, CapacitySat: 1000, LocalBalanceSat: 500},
    {ChannelID: 2, ChannelPoint: "b:0", Active: true, LocalDisabled: true, CapacitySat: 1000, LocalBalanceSat: 500},
  }}

  channels, err := NewLndNode(lnd, quietLogger(), Options{}).GetAllChannels(context.Background())
  require.NoError(t, err)
  assert.Len(t, channels, 2)

  channels, err = NewLndNode(lnd, quietLogger(), Options{SkipDisabled: true}).GetAllChannels(context.Background())
  require.NoError(t, err)
  require.Len(t, channels, 1)
  _, ok := channels[1]
  assert.True(t, ok)
}

func TestGetChannelFeePolicies(t *testing.T) {
  lnd := &fakeLightning{fees: []lndclient.ChannelFee{
    {ChannelID: 1, ChannelPoint: "a:0", BaseFeeMsat: 1000, FeeRatePpm: 25000},
    {ChannelID: 2, ChannelPoint: "b:0", BaseFeeMsat: 20, FeeRatePpm: 4},
  }}

  policies, err := NewLndNode(lnd, quietLogger(), Options{}).GetChannelFeePolicies(context.Background())
  require.NoError(t, err)
  // 25000 ppm must compare equal to the lock rate
  assert.Equal(t, feesetter.FeeLockRate, policies["a:0"].FeeRate)
  assert.Equal(t, feesetter.DefaultMinFeeRate, policies["b:0"].FeeRate)
  assert.Equal(t, int64(20), policies["b:0"].BaseFeeMsat)
}

func TestSetChannelFeePolicies(t *testing.T) {
  lnd := &fakeLightning{failFor: map[string]error{"b:0": errors.New("edge not found")}}
  n := NewLndNode(lnd, quietLogger(), Options{})

  err := n.SetChannelFeePolicies(context.Background(), map[string]feesetter.FeePolicy{
    "c:1": {BaseFeeMsat: 30, FeeRate: 0.000045, TimeLockDelta: 14},
    "a:0": {BaseFeeMsat: 20, FeeRate: 0.025, TimeLockDelta: 14},
    "b:0": {BaseFeeMsat: 20, FeeRate: 0, TimeLockDelta: 14},
  })
  require.Error(t, err)
  assert.Contains(t, err.Error(), "b:0: edge not found")

  // every channel is tried, in channel point order
  require.Len(t, lnd.updates, 3)
  assert.Equal(t, "a:0", lnd.updates[0].ChannelPoint)
  assert.Equal(t, int64(25000), lnd.updates[0].FeeRatePpm)
  assert.Equal(t, "c:1", lnd.updates[2].ChannelPoint)
  assert.Equal(t, int64(45), lnd.updates[2].FeeRatePpm)
  assert.Equal(t, int64(14), lnd.updates[2].TimeLockDelta)
}

func TestRateConversion(t *testing.T) {
  assert.Equal(t, int64(4), RateToPpm(0.000004))
  assert.Equal(t, int64(100), RateToPpm(0.0001))
  assert.Equal(t, int64(50), RateToPpm(0.0000495))
  assert.Equal(t, int64(0), RateToPpm(0))
  assert.Equal(t, 0.0001, PpmToRate(100))
}
