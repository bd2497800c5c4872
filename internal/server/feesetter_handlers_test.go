package server

import (
  "encoding/json"
  "net/http"
  "net/http/httptest"
  "strings"
  "testing"
  "time"

  "github.com/Polyomino/lndmanage/internal/feesetter"

  "github.com/gorilla/websocket"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, h http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
  t.Helper()
  req := httptest.NewRequest(method, path, strings.NewReader(body))
  rec := httptest.NewRecorder()
  h.ServeHTTP(rec, req)
  return rec
}

func TestHandlePreview(t *testing.T) {
  node := newFakeNode()
  s := newTestServer(newTestService(node))
  h := s.routes()

  rec := doRequest(t, h, http.MethodPost, "/api/feesetter/preview", "")
  require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

  var res feesetter.Result
  require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
  assert.True(t, res.Run.DryRun)
  assert.Len(t, res.Decisions, 2)
  assert.Len(t, res.Policies, 2)
  assert.Equal(t, 0, node.calls())

  rec = doRequest(t, h, http.MethodPost, "/api/feesetter/preview", `{"cltv":40,"from_days_ago":14}`)
  require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
  require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
  assert.Equal(t, uint32(40), res.Run.Config.TimeLockDelta)
  assert.Equal(t, 14, res.Run.Config.LookbackDays)
}

func TestHandlePreviewRejectsBadInput(t *testing.T) {
  s := newTestServer(newTestService(newFakeNode()))
  h := s.routes()

  rec := doRequest(t, h, http.MethodPost, "/api/feesetter/preview", `{"from_days_ago":0}`)
  assert.Equal(t, http.StatusBadRequest, rec.Code)
  assert.Contains(t, rec.Body.String(), "lookback")

  rec = doRequest(t, h, http.MethodPost, "/api/feesetter/preview", `{"bogus":1}`)
  assert.Equal(t, http.StatusBadRequest, rec.Code)

  rec = doRequest(t, h, http.MethodPost, "/api/feesetter/preview", `{"min_fee_rate":0.01}`)
  assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRunRejectsZeroTimeLockDelta(t *testing.T) {
  node := newFakeNode()
  s := newTestServer(newTestService(node))

  rec := doRequest(t, s.routes(), http.MethodPost, "/api/feesetter/run", `{"cltv":0}`)
  assert.Equal(t, http.StatusBadRequest, rec.Code)
  assert.Contains(t, rec.Body.String(), "time lock delta")
  assert.Equal(t, 0, node.calls())
}

func TestHandleRunAndHistory(t *testing.T) {
  node := newFakeNode()
  svc := newTestService(node)
  history := &fakeHistory{}
  svc.SetHistory(history)
  s := newTestServer(svc)
  h := s.routes()

  rec := doRequest(t, h, http.MethodPost, "/api/feesetter/run", "{}")
  require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
  var res feesetter.Result
  require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
  assert.True(t, res.Run.Applied)
  assert.Equal(t, 1, node.calls())

  rec = doRequest(t, h, http.MethodGet, "/api/feesetter/runs?limit=5", "")
  require.Equal(t, http.StatusOK, rec.Code)
  var runs struct {
    Runs []feesetter.Run `json:"runs"`
  }
  require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
  require.Len(t, runs.Runs, 1)
  assert.Equal(t, res.Run.ID, runs.Runs[0].ID)

  rec = doRequest(t, h, http.MethodGet, "/api/feesetter/runs/"+res.Run.ID, "")
  require.Equal(t, http.StatusOK, rec.Code)
  var stored feesetter.Result
  require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
  assert.Len(t, stored.Decisions, 2)
  assert.Equal(t, res.Policies, stored.Policies)

  rec = doRequest(t, h, http.MethodGet, "/api/feesetter/runs/missing", "")
  assert.Equal(t, http.StatusNotFound, rec.Code)

  rec = doRequest(t, h, http.MethodGet, "/api/feesetter/status", "")
  require.Equal(t, http.StatusOK, rec.Code)
  var status FeeSetterStatus
  require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
  assert.Equal(t, res.Run.ID, status.LastRunID)
  require.NotNil(t, status.Node)
  assert.Equal(t, "testnode", status.Node.Alias)
  assert.Equal(t, int64(880000), status.Node.BlockHeight)
  assert.Equal(t, 2, status.Node.ChannelsActive)
}

func TestHandleRunsWithoutHistory(t *testing.T) {
  s := newTestServer(newTestService(newFakeNode()))
  rec := doRequest(t, s.routes(), http.MethodGet, "/api/feesetter/runs", "")
  assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
  assert.Contains(t, rec.Body.String(), "FEESETTER_PG_DSN")
}

func TestHandleConfig(t *testing.T) {
  s := newTestServer(newTestService(newFakeNode()))
  rec := doRequest(t, s.routes(), http.MethodGet, "/api/feesetter/config", "")
  require.Equal(t, http.StatusOK, rec.Code)

  var payload struct {
    Enabled bool `json:"enabled"`
    RunIntervalSec int `json:"run_interval_sec"`
    RunConfig feesetter.RunConfig `json:"run_config"`
  }
  require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
  assert.False(t, payload.Enabled)
  assert.Equal(t, 86400, payload.RunIntervalSec)
  assert.Equal(t, feesetter.DefaultRunConfig(), payload.RunConfig)
}

func TestRunErrorStatus(t *testing.T) {
  assert.Equal(t, http.StatusConflict, runErrorStatus(ErrRunInProgress))
  assert.Equal(t, http.StatusConflict, runErrorStatus(ErrNodeNotSynced))
  assert.Equal(t, http.StatusUnprocessableEntity, runErrorStatus(feesetter.ErrMissingPolicy))
  assert.Equal(t, http.StatusInternalServerError, runErrorStatus(assert.AnError))
}

func TestParseRunsLimit(t *testing.T) {
  assert.Equal(t, 50, parseRunsLimit(""))
  assert.Equal(t, 50, parseRunsLimit("x"))
  assert.Equal(t, 50, parseRunsLimit("-1"))
  assert.Equal(t, 7, parseRunsLimit("7"))
  assert.Equal(t, 500, parseRunsLimit("9000"))
}

func TestMetricsEndpoint(t *testing.T) {
  s := newTestServer(newTestService(newFakeNode()))
  h := s.routes()

  rec := doRequest(t, h, http.MethodPost, "/api/feesetter/run", "")
  require.Equal(t, http.StatusOK, rec.Code)

  rec = doRequest(t, h, http.MethodGet, "/metrics", "")
  require.Equal(t, http.StatusOK, rec.Code)
  body := rec.Body.String()
  assert.Contains(t, body, `lndmanage_feesetter_runs_total{result="applied"} 1`)
  assert.Contains(t, body, `lndmanage_feesetter_fee_rate_ppm{channel_id="2"} 25000`)
  assert.Contains(t, body, `lndmanage_feesetter_mode_decisions_total{mode="locked"} 1`)
  assert.Contains(t, body, "lndmanage_feesetter_stream_clients 0")
}

func TestMetricsIgnoreDryRunTimestamp(t *testing.T) {
  s := newTestServer(newTestService(newFakeNode()))
  h := s.routes()

  rec := doRequest(t, h, http.MethodPost, "/api/feesetter/preview", "")
  require.Equal(t, http.StatusOK, rec.Code)

  rec = doRequest(t, h, http.MethodGet, "/metrics", "")
  require.Equal(t, http.StatusOK, rec.Code)
  assert.Contains(t, rec.Body.String(), `lndmanage_feesetter_runs_total{result="dry_run"} 1`)
  assert.Contains(t, rec.Body.String(), "lndmanage_feesetter_last_run_timestamp_seconds 0")
}

func TestStreamPublishesRuns(t *testing.T) {
  svc := newTestService(newFakeNode())
  s := newTestServer(svc)
  srv := httptest.NewServer(s.routes())
  defer srv.Close()

  url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/feesetter/stream"
  conn, _, err := websocket.DefaultDialer.Dial(url, nil)
  require.NoError(t, err)
  defer conn.Close()

  require.Eventually(t, func() bool { return s.stream.count() == 1 }, 2*time.Second, 10*time.Millisecond)

  rec := doRequest(t, s.routes(), http.MethodPost, "/api/feesetter/preview", "")
  require.Equal(t, http.StatusOK, rec.Code)

  require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
  _, raw, err := conn.ReadMessage()
  require.NoError(t, err)

  var msg streamMessage
  require.NoError(t, json.Unmarshal(raw, &msg))
  assert.Equal(t, "run", msg.Type)
  require.NotNil(t, msg.Run)
  assert.True(t, msg.Run.DryRun)
  assert.Len(t, msg.Decisions, 2)
}
