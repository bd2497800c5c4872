package server

import (
  "encoding/json"
  "net/http"
  "sync"
  "time"

  "github.com/Polyomino/lndmanage/internal/feesetter"

  "github.com/gorilla/websocket"
  "github.com/sirupsen/logrus"
)

const (
  streamWriteTimeout = 10 * time.Second
  streamClientBuffer = 16
)

type streamMessage struct {
  Type string `json:"type"`
  Run *feesetter.Run `json:"run,omitempty"`
  Decisions []feesetter.Decision `json:"decisions,omitempty"`
  Error string `json:"error,omitempty"`
}

// streamHub fans finished runs out to websocket clients. Slow clients drop
// messages instead of blocking a run.
type streamHub struct {
  logger logrus.FieldLogger
  upgrader websocket.Upgrader

  mu sync.Mutex
  clients map[chan []byte]struct{}
}

func newStreamHub(logger logrus.FieldLogger) *streamHub {
  return &streamHub{
    logger: logger,
    upgrader: websocket.Upgrader{
      CheckOrigin: func(r *http.Request) bool {
        return true
      },
    },
    clients: map[chan []byte]struct{}{},
  }
}

func (h *streamHub) Publish(res feesetter.Result, err error) {
  msg := streamMessage{Type: "run"}
  if err != nil {
    msg.Type = "error"
    msg.Error = err.Error()
  } else {
    run := res.Run
    msg.Run = &run
    msg.Decisions = res.Decisions
  }
  raw, mErr := json.Marshal(msg)
  if mErr != nil {
    h.logger.WithError(mErr).Warn("stream: encode failed")
    return
  }

  h.mu.Lock()
  defer h.mu.Unlock()
  for ch := range h.clients {
    select {
    case ch <- raw:
    default:
    }
  }
}

func (h *streamHub) count() int {
  h.mu.Lock()
  defer h.mu.Unlock()
  return len(h.clients)
}

func (h *streamHub) register() chan []byte {
  ch := make(chan []byte, streamClientBuffer)
  h.mu.Lock()
  h.clients[ch] = struct{}{}
  h.mu.Unlock()
  return ch
}

func (h *streamHub) unregister(ch chan []byte) {
  h.mu.Lock()
  delete(h.clients, ch)
  h.mu.Unlock()
}

func (h *streamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
  conn, err := h.upgrader.Upgrade(w, r, nil)
  if err != nil {
    return
  }
  defer conn.Close()

  ch := h.register()
  defer h.unregister(ch)

  // reads only detect the client going away
  done := make(chan struct{})
  go func() {
    defer close(done)
    for {
      if _, _, err := conn.ReadMessage(); err != nil {
        return
      }
    }
  }()

  for {
    select {
    case <-done:
      return
    case <-r.Context().Done():
      return
    case raw := <-ch:
      _ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
      if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
        return
      }
    }
  }
}
