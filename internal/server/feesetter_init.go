package server

import (
  "context"
  "fmt"
  "strings"
  "time"

  "github.com/Polyomino/lndmanage/internal/forwarding"
  "github.com/Polyomino/lndmanage/internal/node"
  "github.com/Polyomino/lndmanage/internal/store"
)

const historyInitRetryCooldown = 10 * time.Second

func (s *Server) initFeeSetter() {
  s.feesetterMu.Lock()
  defer s.feesetterMu.Unlock()

  if s.feesetter == nil {
    svc := NewFeeSetterService(
      s.cfg.FeeSetter,
      s.lnd,
      node.NewLndNode(s.lnd, s.logger, node.Options{}),
      forwarding.NewAnalyzer(s.lnd, s.logger),
      s.logger,
    )
    svc.AddObserver(s.metrics.ObserveRun)
    svc.AddObserver(s.stream.Publish)
    s.feesetter = svc
  }

  if s.store != nil {
    return
  }
  if !s.historyInitAt.IsZero() && time.Since(s.historyInitAt) < historyInitRetryCooldown {
    return
  }
  s.historyInitAt = time.Now()

  dsn := strings.TrimSpace(s.cfg.Database.DSN)
  if dsn == "" {
    s.historyErr = "history unavailable: FEESETTER_PG_DSN not set"
    return
  }

  ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
  defer cancel()
  st, err := store.Open(ctx, dsn)
  if err != nil {
    s.historyErr = fmt.Sprintf("history unavailable: %v", err)
    s.logger.Printf("%s", s.historyErr)
    return
  }
  s.store = st
  s.historyErr = ""
  s.feesetter.SetHistory(st)
}

func (s *Server) feesetterService() (*FeeSetterService, string) {
  s.initFeeSetter()
  s.feesetterMu.Lock()
  defer s.feesetterMu.Unlock()
  return s.feesetter, s.historyErr
}
