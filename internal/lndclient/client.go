package lndclient

import (
  "context"
  "crypto/x509"
  "encoding/hex"
  "errors"
  "fmt"
  "os"
  "strconv"
  "strings"
  "sync"
  "time"

  "github.com/Polyomino/lndmanage/internal/config"

  "github.com/lightningnetwork/lnd/lnrpc"
  "github.com/sirupsen/logrus"
  "google.golang.org/grpc"
  "google.golang.org/grpc/credentials"
)

type Client struct {
  cfg *config.Config
  logger logrus.FieldLogger
  statusMu sync.Mutex
  statusCached bool
  statusCache Status
  statusErr error
  statusNextFetch time.Time
}

func New(cfg *config.Config, logger logrus.FieldLogger) *Client {
  if logger == nil {
    logger = logrus.StandardLogger()
  }
  return &Client{cfg: cfg, logger: logger}
}

const (
  statusCacheOK = 30 * time.Second
  statusCacheErr = 45 * time.Second
  statusCacheTimeout = 60 * time.Second
  maxGRPCMsgSize = 32 * 1024 * 1024
  forwardingPageSize = 50000
)

type macaroonCredential struct {
  macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
  return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
  return true
}

type Status struct {
  ServiceActive bool `json:"service_active"`
  SyncedToChain bool `json:"synced_to_chain"`
  SyncedToGraph bool `json:"synced_to_graph"`
  BlockHeight int64 `json:"block_height"`
  Version string `json:"version"`
  Pubkey string `json:"pubkey"`
  Alias string `json:"alias"`
  ChannelsActive int `json:"channels_active"`
  ChannelsInactive int `json:"channels_inactive"`
}

type ChannelInfo struct {
  ChannelPoint string `json:"channel_point"`
  ChannelID uint64 `json:"channel_id"`
  PeerAlias string `json:"peer_alias"`
  Active bool `json:"active"`
  // LocalDisabled is set when we announced the channel as disabled.
  LocalDisabled bool `json:"local_disabled,omitempty"`
  Initiator bool `json:"initiator"`
  CapacitySat int64 `json:"capacity_sat"`
  LocalBalanceSat int64 `json:"local_balance_sat"`
  CommitFeeSat int64 `json:"commit_fee_sat"`
}

// Unbalancedness is in [-1, 1]; -1 means all liquidity is on our side.
func (ch ChannelInfo) Unbalancedness() float64 {
  return Unbalancedness(ch.LocalBalanceSat, ch.CapacitySat, ch.CommitFeeSat, ch.Initiator)
}

// ChannelFee is one row of the node's fee report.
type ChannelFee struct {
  ChannelID uint64 `json:"channel_id"`
  ChannelPoint string `json:"channel_point"`
  BaseFeeMsat int64 `json:"base_fee_msat"`
  FeeRatePpm int64 `json:"fee_rate_ppm"`
}

type ForwardingEvent struct {
  Timestamp time.Time `json:"timestamp"`
  ChanIDIn uint64 `json:"chan_id_in"`
  ChanIDOut uint64 `json:"chan_id_out"`
  AmtInSat int64 `json:"amt_in_sat"`
  AmtOutSat int64 `json:"amt_out_sat"`
  FeeMsat int64 `json:"fee_msat"`
}

type UpdateChannelPolicyParams struct {
  ChannelPoint string
  BaseFeeMsat int64
  FeeRatePpm int64
  TimeLockDelta int64
}

func (c *Client) dial(ctx context.Context, withMacaroon bool) (*grpc.ClientConn, error) {
  tlsCert, err := os.ReadFile(c.cfg.LND.TLSCertPath)
  if err != nil {
    return nil, err
  }
  certPool := x509.NewCertPool()
  if ok := certPool.AppendCertsFromPEM(tlsCert); !ok {
    return nil, fmt.Errorf("failed to parse LND TLS cert")
  }

  creds := credentials.NewClientTLSFromCert(certPool, "")
  opts := []grpc.DialOption{
    grpc.WithTransportCredentials(creds),
    grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGRPCMsgSize)),
  }

  if withMacaroon {
    macBytes, err := os.ReadFile(c.cfg.LND.AdminMacaroonPath)
    if err != nil {
      return nil, err
    }
    macCred := macaroonCredential{hex.EncodeToString(macBytes)}
    opts = append(opts, grpc.WithPerRPCCredentials(macCred))
  }

  return grpc.DialContext(ctx, c.cfg.LND.GRPCHost, opts...)
}

func (c *Client) GetStatus(ctx context.Context) (Status, error) {
  now := time.Now()
  c.statusMu.Lock()
  if c.statusCached && now.Before(c.statusNextFetch) {
    status := c.statusCache
    err := c.statusErr
    c.statusMu.Unlock()
    return status, err
  }
  c.statusMu.Unlock()

  status, err := c.getStatusUncached(ctx)

  ttl := statusCacheOK
  if err != nil {
    ttl = statusCacheErr
    if isTimeoutError(err) {
      ttl = statusCacheTimeout
    }
  }

  c.statusMu.Lock()
  c.statusCache = status
  c.statusErr = err
  c.statusCached = true
  c.statusNextFetch = time.Now().Add(ttl)
  c.statusMu.Unlock()

  return status, err
}

func (c *Client) getStatusUncached(ctx context.Context) (Status, error) {
  conn, err := c.dial(ctx, true)
  if err != nil {
    return Status{}, err
  }
  defer conn.Close()

  client := lnrpc.NewLightningClient(conn)

  infoCtx, infoCancel := context.WithTimeout(ctx, 5*time.Second)
  info, err := client.GetInfo(infoCtx, &lnrpc.GetInfoRequest{})
  infoCancel()
  if err != nil {
    return Status{}, err
  }
  return Status{
    ServiceActive: true,
    SyncedToChain: info.SyncedToChain,
    SyncedToGraph: info.SyncedToGraph,
    BlockHeight: int64(info.BlockHeight),
    Version: info.Version,
    Pubkey: info.IdentityPubkey,
    Alias: info.Alias,
    ChannelsActive: int(info.NumActiveChannels),
    ChannelsInactive: int(info.NumInactiveChannels),
  }, nil
}

func (c *Client) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
  conn, err := c.dial(ctx, true)
  if err != nil {
    return nil, err
  }
  defer conn.Close()

  client := lnrpc.NewLightningClient(conn)

  resp, err := client.ListChannels(ctx, &lnrpc.ListChannelsRequest{PeerAliasLookup: true})
  if err != nil {
    return nil, err
  }

  channels := make([]ChannelInfo, 0, len(resp.Channels))
  for _, ch := range resp.Channels {
    if ch == nil {
      continue
    }
    channels = append(channels, ChannelInfo{
      ChannelPoint: ch.ChannelPoint,
      ChannelID: ch.ChanId,
      PeerAlias: ch.PeerAlias,
      Active: ch.Active,
      LocalDisabled: localChanDisabled(ch.ChanStatusFlags),
      Initiator: ch.Initiator,
      CapacitySat: ch.Capacity,
      LocalBalanceSat: ch.LocalBalance,
      CommitFeeSat: ch.CommitFee,
    })
  }

  return channels, nil
}

func (c *Client) FeeReport(ctx context.Context) ([]ChannelFee, error) {
  conn, err := c.dial(ctx, true)
  if err != nil {
    return nil, err
  }
  defer conn.Close()

  client := lnrpc.NewLightningClient(conn)
  resp, err := client.FeeReport(ctx, &lnrpc.FeeReportRequest{})
  if err != nil {
    return nil, err
  }

  fees := make([]ChannelFee, 0, len(resp.ChannelFees))
  for _, fee := range resp.ChannelFees {
    if fee == nil {
      continue
    }
    fees = append(fees, ChannelFee{
      ChannelID: fee.ChanId,
      ChannelPoint: fee.ChannelPoint,
      BaseFeeMsat: fee.BaseFeeMsat,
      FeeRatePpm: fee.FeePerMil,
    })
  }
  return fees, nil
}

// ForwardingHistory returns every forward between start and end, paging
// through the node's history.
func (c *Client) ForwardingHistory(ctx context.Context, start time.Time, end time.Time) ([]ForwardingEvent, error) {
  conn, err := c.dial(ctx, true)
  if err != nil {
    return nil, err
  }
  defer conn.Close()

  client := lnrpc.NewLightningClient(conn)

  var offset uint32
  var events []ForwardingEvent
  for {
    resp, err := client.ForwardingHistory(ctx, &lnrpc.ForwardingHistoryRequest{
      StartTime: uint64(start.Unix()),
      EndTime: uint64(end.Unix()),
      IndexOffset: offset,
      NumMaxEvents: forwardingPageSize,
    })
    if err != nil {
      return nil, err
    }
    if resp == nil || len(resp.ForwardingEvents) == 0 {
      break
    }

    for _, evt := range resp.ForwardingEvents {
      if evt == nil {
        continue
      }
      events = append(events, convertForwardingEvent(evt))
    }

    if resp.LastOffsetIndex <= offset {
      break
    }
    offset = resp.LastOffsetIndex
    if len(resp.ForwardingEvents) < forwardingPageSize {
      break
    }
  }
  c.logger.Debugf("lndclient: %d forwarding events between %s and %s", len(events), start.Format(time.RFC3339), end.Format(time.RFC3339))
  return events, nil
}

func convertForwardingEvent(evt *lnrpc.ForwardingEvent) ForwardingEvent {
  ts := time.Unix(int64(evt.Timestamp), 0)
  if evt.TimestampNs > 0 {
    ts = time.Unix(0, int64(evt.TimestampNs))
  }
  return ForwardingEvent{
    Timestamp: ts.UTC(),
    ChanIDIn: evt.ChanIdIn,
    ChanIDOut: evt.ChanIdOut,
    AmtInSat: extractAmountSat(evt.AmtInMsat, evt.AmtIn),
    AmtOutSat: extractAmountSat(evt.AmtOutMsat, evt.AmtOut),
    FeeMsat: extractFeeMsat(evt),
  }
}

func extractAmountSat(msat uint64, sat uint64) int64 {
  if msat > 0 {
    return int64(msat / 1000)
  }
  return int64(sat)
}

func extractFeeMsat(evt *lnrpc.ForwardingEvent) int64 {
  if evt.FeeMsat > 0 {
    return int64(evt.FeeMsat)
  }
  return int64(evt.Fee) * 1000
}

// UpdateChannelPolicy sets the fee policy of one channel. Updates the node
// rejects are reported as an error.
func (c *Client) UpdateChannelPolicy(ctx context.Context, params UpdateChannelPolicyParams) error {
  conn, err := c.dial(ctx, true)
  if err != nil {
    return err
  }
  defer conn.Close()

  if params.FeeRatePpm < 0 {
    return fmt.Errorf("fee rate out of range")
  }
  if params.TimeLockDelta <= 0 {
    return fmt.Errorf("time lock delta must be positive")
  }
  cp, err := parseChannelPoint(params.ChannelPoint)
  if err != nil {
    return err
  }

  req := &lnrpc.PolicyUpdateRequest{
    BaseFeeMsat: params.BaseFeeMsat,
    FeeRatePpm: uint32(params.FeeRatePpm),
    TimeLockDelta: uint32(params.TimeLockDelta),
    Scope: &lnrpc.PolicyUpdateRequest_ChanPoint{ChanPoint: cp},
  }

  client := lnrpc.NewLightningClient(conn)
  resp, err := client.UpdateChannelPolicy(ctx, req)
  if err != nil {
    return err
  }
  return failedUpdatesError(resp.GetFailedUpdates())
}

func failedUpdatesError(failed []*lnrpc.FailedUpdate) error {
  if len(failed) == 0 {
    return nil
  }
  parts := make([]string, 0, len(failed))
  for _, f := range failed {
    if f == nil {
      continue
    }
    point := ""
    if op := f.GetOutpoint(); op != nil {
      point = fmt.Sprintf("%s:%d", op.GetTxidStr(), op.GetOutputIndex())
    }
    msg := strings.TrimSpace(f.GetUpdateError())
    if msg == "" {
      msg = f.GetReason().String()
    }
    parts = append(parts, fmt.Sprintf("%s: %s", point, msg))
  }
  if len(parts) == 0 {
    return nil
  }
  return fmt.Errorf("policy update failed for %s", strings.Join(parts, "; "))
}

// Unbalancedness of a channel from our point of view. The commitment fee is
// counted as local liquidity when we opened the channel.
func Unbalancedness(localSat int64, capacitySat int64, commitFeeSat int64, initiator bool) float64 {
  if capacitySat <= 0 {
    return 0
  }
  local := float64(localSat)
  if initiator {
    local += float64(commitFeeSat)
  }
  return -(2*local/float64(capacitySat) - 1)
}

func isTimeoutError(err error) bool {
  if err == nil {
    return false
  }
  if errors.Is(err, context.DeadlineExceeded) {
    return true
  }
  msg := strings.ToLower(err.Error())
  return strings.Contains(msg, "deadline exceeded")
}

// localChanDisabled reports whether lnd's status flags, e.g.
// "ChanStatusDefault|ChanStatusLocalChanDisabled", mark the channel as
// disabled by us. Remote disables do not count.
func localChanDisabled(flags string) bool {
  tokens := strings.FieldsFunc(strings.ToLower(flags), func(r rune) bool {
    return r == '|' || r == ',' || r == ';' || r == ' '
  })
  for _, tok := range tokens {
    switch strings.TrimPrefix(strings.ReplaceAll(tok, "_", ""), "chanstatus") {
    case "localchandisabled", "disabled":
      return true
    }
  }
  return false
}

func parseChannelPoint(point string) (*lnrpc.ChannelPoint, error) {
  trimmed := strings.TrimSpace(point)
  if trimmed == "" {
    return nil, errors.New("channel_point required")
  }
  parts := strings.Split(trimmed, ":")
  if len(parts) != 2 {
    return nil, errors.New("channel_point must be txid:index")
  }
  if len(parts[0]) != 64 {
    return nil, errors.New("invalid channel_point txid")
  }
  if _, err := hex.DecodeString(parts[0]); err != nil {
    return nil, errors.New("invalid channel_point txid")
  }
  idx, err := strconv.ParseUint(parts[1], 10, 32)
  if err != nil {
    return nil, errors.New("invalid channel_point index")
  }
  return &lnrpc.ChannelPoint{
    FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{FundingTxidStr: parts[0]},
    OutputIndex: uint32(idx),
  }, nil
}
