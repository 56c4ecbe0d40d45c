package server

import (
    "net/http"

    "go.uber.org/zap"

    "github.com/PhucNguyen204/chatcrm/internal/rules"
    "github.com/PhucNguyen204/chatcrm/pkg/automation"
)

// LoadAutomationsFromDir compiles every automation under dir into a new
// engine and swaps it in. The running engine is kept when loading fails.
func (s *AppServer) LoadAutomationsFromDir(dir string) (int, error) {
    defs, err := rules.LoadDirRecursive(dir)
    if err != nil { return 0, err }
    eng := automation.Compile(defs)
    s.swapEngine(eng)
    st := eng.Stats()
    s.log.Info("automations loaded", zap.String("dir", dir), zap.Int("automations", st.Automations), zap.Int("enabled", st.Enabled), zap.Int("keywords", st.Keywords))
    return st.Automations, nil
}

type automationsView struct {
    Automations []automation.Automation `json:"automations"`
    Stats       automation.Stats        `json:"stats"`
}

func (s *AppServer) handleListAutomations(w http.ResponseWriter, r *http.Request) {
    eng := s.currentEngine()
    writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: automationsView{Automations: eng.Automations(), Stats: eng.Stats()}})
}

// handleReplaceAutomations replaces the whole set.
// Body: { "automations": ["yaml...", "yaml..."] }
func (s *AppServer) handleReplaceAutomations(w http.ResponseWriter, r *http.Request) {
    var req struct{ Automations []string `json:"automations"` }
    if err := decodeBody(w, r, &req); err != nil { writeFail(w, http.StatusBadRequest, err); return }
    defs, err := automation.LoadAll(req.Automations)
    if err != nil { writeFail(w, http.StatusBadRequest, err); return }
    eng := automation.Compile(defs)
    s.swapEngine(eng)
    s.log.Info("automations replaced", zap.Int("automations", eng.Count()))
    writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: eng.Stats()})
}
