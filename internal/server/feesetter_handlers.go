package server

import (
  "context"
  "errors"
  "io"
  "net/http"
  "strconv"
  "strings"
  "time"

  "github.com/Polyomino/lndmanage/internal/feesetter"
  "github.com/Polyomino/lndmanage/internal/store"

  "github.com/go-chi/chi/v5"
)

type RunConfigUpdate struct {
  TimeLockDelta *uint32 `json:"cltv,omitempty"`
  MinBaseFeeMsat *int64 `json:"min_base_fee_msat,omitempty"`
  MaxBaseFeeMsat *int64 `json:"max_base_fee_msat,omitempty"`
  MinFeeRate *float64 `json:"min_fee_rate,omitempty"`
  MaxFeeRate *float64 `json:"max_fee_rate,omitempty"`
  FromDaysAgo *int `json:"from_days_ago,omitempty"`
  Init *bool `json:"init,omitempty"`
}

func (u RunConfigUpdate) Apply(cfg feesetter.RunConfig) feesetter.RunConfig {
  if u.TimeLockDelta != nil {
    cfg.TimeLockDelta = *u.TimeLockDelta
  }
  if u.MinBaseFeeMsat != nil {
    cfg.MinBaseFeeMsat = *u.MinBaseFeeMsat
  }
  if u.MaxBaseFeeMsat != nil {
    cfg.MaxBaseFeeMsat = *u.MaxBaseFeeMsat
  }
  if u.MinFeeRate != nil {
    cfg.MinFeeRate = *u.MinFeeRate
  }
  if u.MaxFeeRate != nil {
    cfg.MaxFeeRate = *u.MaxFeeRate
  }
  if u.FromDaysAgo != nil {
    cfg.LookbackDays = *u.FromDaysAgo
  }
  if u.Init != nil {
    cfg.Init = *u.Init
  }
  return cfg
}

func (s *Server) handleFeeSetterStatus(w http.ResponseWriter, r *http.Request) {
  svc, _ := s.feesetterService()
  ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
  defer cancel()
  writeJSON(w, http.StatusOK, svc.StatusWithNode(ctx))
}

func (s *Server) handleFeeSetterConfig(w http.ResponseWriter, r *http.Request) {
  svc, _ := s.feesetterService()
  writeJSON(w, http.StatusOK, map[string]any{
    "enabled": s.cfg.FeeSetter.Enabled,
    "run_interval_sec": int(clampInterval(time.Duration(s.cfg.FeeSetter.RunIntervalSec) * time.Second).Seconds()),
    "run_config": svc.RunConfig(),
  })
}

func (s *Server) handleFeeSetterPreview(w http.ResponseWriter, r *http.Request) {
  s.handleFeeSetterRunRequest(w, r, true, "preview")
}

func (s *Server) handleFeeSetterRun(w http.ResponseWriter, r *http.Request) {
  s.handleFeeSetterRunRequest(w, r, false, "manual")
}

func (s *Server) handleFeeSetterRunRequest(w http.ResponseWriter, r *http.Request, dryRun bool, reason string) {
  svc, _ := s.feesetterService()

  var req RunConfigUpdate
  if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
    writeError(w, http.StatusBadRequest, "invalid json")
    return
  }
  cfg := req.Apply(svc.RunConfig())
  if err := cfg.Validate(); err != nil {
    writeError(w, http.StatusBadRequest, err.Error())
    return
  }

  ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
  defer cancel()

  res, err := svc.Run(ctx, RunRequest{Reason: reason, DryRun: dryRun, Config: &cfg})
  if err != nil {
    writeError(w, runErrorStatus(err), err.Error())
    return
  }
  writeJSON(w, http.StatusOK, res)
}

func runErrorStatus(err error) int {
  switch {
  case errors.Is(err, ErrRunInProgress), errors.Is(err, ErrNodeNotSynced):
    return http.StatusConflict
  case errors.Is(err, feesetter.ErrMissingPolicy):
    return http.StatusUnprocessableEntity
  default:
    return http.StatusInternalServerError
  }
}

func (s *Server) handleFeeSetterRuns(w http.ResponseWriter, r *http.Request) {
  svc, errMsg := s.feesetterService()
  history := svc.History()
  if history == nil {
    writeError(w, http.StatusServiceUnavailable, historyErrorMessage(errMsg))
    return
  }

  limit := parseRunsLimit(r.URL.Query().Get("limit"))
  ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
  defer cancel()

  runs, err := history.FetchRuns(ctx, limit)
  if err != nil {
    writeError(w, http.StatusInternalServerError, err.Error())
    return
  }
  if runs == nil {
    runs = []feesetter.Run{}
  }
  writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleFeeSetterRunGet(w http.ResponseWriter, r *http.Request) {
  svc, errMsg := s.feesetterService()
  history := svc.History()
  if history == nil {
    writeError(w, http.StatusServiceUnavailable, historyErrorMessage(errMsg))
    return
  }

  id := strings.TrimSpace(chi.URLParam(r, "id"))
  if id == "" {
    writeError(w, http.StatusBadRequest, "id required")
    return
  }

  ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
  defer cancel()

  run, err := history.FetchRun(ctx, id)
  if errors.Is(err, store.ErrRunNotFound) {
    writeError(w, http.StatusNotFound, err.Error())
    return
  }
  if err != nil {
    writeError(w, http.StatusInternalServerError, err.Error())
    return
  }
  decisions, err := history.FetchDecisions(ctx, id)
  if err != nil {
    writeError(w, http.StatusInternalServerError, err.Error())
    return
  }
  if decisions == nil {
    decisions = []feesetter.Decision{}
  }
  writeJSON(w, http.StatusOK, feesetter.Result{Run: run, Decisions: decisions, Policies: feesetter.Policies(decisions)})
}

func historyErrorMessage(errMsg string) string {
  if errMsg == "" {
    return ErrHistoryUnavailable.Error()
  }
  return errMsg
}

func parseRunsLimit(raw string) int {
  if raw == "" {
    return 50
  }
  v, err := strconv.Atoi(raw)
  if err != nil || v <= 0 {
    return 50
  }
  if v > 500 {
    return 500
  }
  return v
}
