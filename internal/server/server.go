package server

import (
  "context"
  "crypto/tls"
  "errors"
  "fmt"
  "net/http"
  "sync"
  "time"

  "github.com/Polyomino/lndmanage/internal/config"
  "github.com/Polyomino/lndmanage/internal/lndclient"
  "github.com/Polyomino/lndmanage/internal/store"

  "github.com/go-chi/chi/v5"
  "github.com/go-chi/chi/v5/middleware"
  "github.com/sirupsen/logrus"
)

type Server struct {
  cfg *config.Config
  logger *logrus.Logger
  lnd *lndclient.Client
  metrics *Metrics
  stream *streamHub

  feesetterMu sync.Mutex
  feesetter *FeeSetterService
  store *store.Store
  historyErr string
  historyInitAt time.Time
}

func New(cfg *config.Config, logger *logrus.Logger) *Server {
  s := &Server{
    cfg: cfg,
    logger: logger,
    lnd: lndclient.New(cfg, logger),
    metrics: NewMetrics(),
    stream: newStreamHub(logger),
  }
  s.metrics.WatchStream(s.stream.count)
  return s
}

// Run serves the API until ctx is done. The scheduler only runs when the
// fee setter is enabled in the config.
func (s *Server) Run(ctx context.Context) error {
  svc, _ := s.feesetterService()
  if s.cfg.FeeSetter.Enabled {
    svc.Start()
    defer svc.Stop()
  }
  defer func() {
    s.feesetterMu.Lock()
    s.store.Close()
    s.feesetterMu.Unlock()
  }()

  addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
  httpServer := &http.Server{
    Addr: addr,
    Handler: s.routes(),
    ReadHeaderTimeout: 10 * time.Second,
    TLSConfig: &tls.Config{
      MinVersion: tls.VersionTLS12,
    },
  }

  errCh := make(chan error, 1)
  go func() {
    if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
      s.logger.Printf("listening on https://%s", addr)
      errCh <- httpServer.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
      return
    }
    s.logger.Printf("listening on http://%s", addr)
    errCh <- httpServer.ListenAndServe()
  }()

  select {
  case err := <-errCh:
    return err
  case <-ctx.Done():
  }

  shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
  defer cancel()
  if err := httpServer.Shutdown(shutdownCtx); err != nil {
    return err
  }
  if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
    return err
  }
  return nil
}

func (s *Server) routes() http.Handler {
  r := chi.NewRouter()
  r.Use(middleware.RequestID)
  r.Use(middleware.Recoverer)

  r.Route("/api/feesetter", func(r chi.Router) {
    r.Get("/status", s.handleFeeSetterStatus)
    r.Get("/config", s.handleFeeSetterConfig)
    r.Post("/preview", s.handleFeeSetterPreview)
    r.Post("/run", s.handleFeeSetterRun)
    r.Get("/runs", s.handleFeeSetterRuns)
    r.Get("/runs/{id}", s.handleFeeSetterRunGet)
    r.Get("/stream", s.stream.ServeHTTP)
  })
  r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
  return r
}
