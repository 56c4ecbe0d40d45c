package server

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/PhucNguyen204/chatcrm/internal/metrics"
    "github.com/PhucNguyen204/chatcrm/internal/store"
    "github.com/PhucNguyen204/chatcrm/pkg/automation"
)

const maxBodyBytes = 1 << 20

// ChatStore is the subset of the store the handlers need.
type ChatStore interface {
    Ping(ctx context.Context) error
    ListChats(ctx context.Context) ([]store.ChatSummary, error)
    MarkChatRead(ctx context.Context, id string, now time.Time) (store.ReadReceipt, error)
    ChatContext(ctx context.Context, id string) (map[string]any, error)
}

type AppServer struct {
    store   ChatStore
    engine  *automation.Engine
    mu      sync.RWMutex // protects engine swap
    log     *zap.Logger
    metrics *metrics.Metrics
    now     func() time.Time
}

func NewAppServer(st ChatStore, engine *automation.Engine, logger *zap.Logger, m *metrics.Metrics) *AppServer {
    if engine == nil { engine = automation.Compile(nil) }
    if logger == nil { logger = zap.NewNop() }
    if m == nil { m = metrics.New() }
    s := &AppServer{store: st, engine: engine, log: logger, metrics: m, now: time.Now}
    m.AutomationsLive.Set(float64(engine.Count()))
    return s
}

// apiResponse is the envelope every /api route answers with.
type apiResponse struct {
    Success bool                `json:"success"`
    Data    any                 `json:"data,omitempty"`
    Error   string              `json:"error,omitempty"`
    Fired   []automation.Firing `json:"fired,omitempty"`
}

// RegisterRoutes wires HTTP handlers.
func (s *AppServer) RegisterRoutes(mux *http.ServeMux) {
    mux.HandleFunc("GET /healthz", s.metrics.Instrument("healthz", s.handleHealth))
    mux.Handle("GET /metrics", s.metrics.Handler())
    mux.HandleFunc("GET /api/chats", s.metrics.Instrument("list_chats", s.handleListChats))
    mux.HandleFunc("POST /api/chats/{id}/read", s.metrics.Instrument("mark_chat_read", s.handleMarkChatRead))
    mux.HandleFunc("POST /api/chats/{id}/automations", s.metrics.Instrument("evaluate_chat", s.handleEvaluateChat))
    mux.HandleFunc("GET /api/automations", s.metrics.Instrument("list_automations", s.handleListAutomations))
    mux.HandleFunc("POST /api/automations", s.metrics.Instrument("replace_automations", s.handleReplaceAutomations))
}

// Router returns a mux with every route registered.
func (s *AppServer) Router() http.Handler {
    mux := http.NewServeMux()
    s.RegisterRoutes(mux)
    return mux
}

func (s *AppServer) currentEngine() *automation.Engine {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.engine
}

func (s *AppServer) swapEngine(e *automation.Engine) {
    s.mu.Lock(); s.engine = e; s.mu.Unlock()
    s.metrics.AutomationsLive.Set(float64(e.Count()))
}

// ---- Handlers ----

func (s *AppServer) handleHealth(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
    defer cancel()
    if err := s.store.Ping(ctx); err != nil {
        s.log.Warn("health check failed", zap.Error(err))
        writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *AppServer) handleListChats(w http.ResponseWriter, r *http.Request) {
    chats, err := s.store.ListChats(r.Context())
    if err != nil {
        s.log.Error("list chats", zap.Error(err))
        writeFail(w, http.StatusBadRequest, err)
        return
    }
    writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: chats})
}

func (s *AppServer) handleMarkChatRead(w http.ResponseWriter, r *http.Request) {
    id, ok := chatID(w, r)
    if !ok { return }

    receipt, err := s.store.MarkChatRead(r.Context(), id, s.now())
    if err != nil {
        s.log.Error("mark chat read", zap.String("chat_id", id), zap.Error(err))
        writeFail(w, statusFor(err), err)
        return
    }

    var fired []automation.Firing
    if chatCtx, err := s.store.ChatContext(r.Context(), id); err != nil {
        s.log.Warn("load chat context for automations", zap.String("chat_id", id), zap.Error(err))
    } else {
        fired = s.evaluate(automation.Event{Type: automation.EventChatRead, Context: chatCtx}, id)
    }
    writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: receipt, Fired: fired})
}

type evaluateRequest struct {
    Event string `json:"event"`
    Text  string `json:"text"`
}

func (s *AppServer) handleEvaluateChat(w http.ResponseWriter, r *http.Request) {
    id, ok := chatID(w, r)
    if !ok { return }
    var req evaluateRequest
    if err := decodeBody(w, r, &req); err != nil {
        writeFail(w, http.StatusBadRequest, err)
        return
    }
    if req.Event == "" {
        writeFail(w, http.StatusBadRequest, errors.New("event is required"))
        return
    }
    chatCtx, err := s.store.ChatContext(r.Context(), id)
    if err != nil {
        s.log.Error("load chat context", zap.String("chat_id", id), zap.Error(err))
        writeFail(w, statusFor(err), err)
        return
    }
    fired := s.evaluate(automation.Event{Type: req.Event, Text: req.Text, Context: chatCtx}, id)
    writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: fired})
}

// evaluate runs the active engine and records what fired.
func (s *AppServer) evaluate(ev automation.Event, chatID string) []automation.Firing {
    fired := s.currentEngine().Evaluate(ev)
    for _, f := range fired {
        s.metrics.AutomationsRun.WithLabelValues(f.Automation, ev.Type).Inc()
        s.log.Info("automation fired",
            zap.String("automation", f.Automation),
            zap.String("event", ev.Type),
            zap.String("chat_id", chatID),
            zap.Int("actions", len(f.Actions)),
        )
    }
    return fired
}

// ---- Helpers ----

// chatID extracts and validates the {id} path segment, answering 400 itself
// when it is not a UUID.
func chatID(w http.ResponseWriter, r *http.Request) (string, bool) {
    raw := r.PathValue("id")
    id, err := uuid.Parse(raw)
    if err != nil {
        writeFail(w, http.StatusBadRequest, fmt.Errorf("invalid chat id %q", raw))
        return "", false
    }
    return id.String(), true
}

func statusFor(err error) int {
    if errors.Is(err, store.ErrChatNotFound) { return http.StatusNotFound }
    return http.StatusBadRequest
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
    dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
    if err := dec.Decode(v); err != nil {
        return fmt.Errorf("invalid JSON: %w", err)
    }
    return nil
}

// writeJSON encodes v before committing the status, so a value JSON cannot
// represent becomes a 500 envelope instead of an empty body.
func writeJSON(w http.ResponseWriter, code int, v any) {
    var buf bytes.Buffer
    if err := json.NewEncoder(&buf).Encode(v); err != nil {
        buf.Reset()
        code = http.StatusInternalServerError
        _ = json.NewEncoder(&buf).Encode(apiResponse{Success: false, Error: "encode response: " + err.Error()})
    }
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _, _ = w.Write(buf.Bytes())
}

func writeFail(w http.ResponseWriter, code int, err error) {
    writeJSON(w, code, apiResponse{Success: false, Error: err.Error()})
}
