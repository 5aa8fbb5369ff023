package server

import (
	"net/http"

	"github.com/goccy/go-json"
)

// HandleAdminConfig 提供运行参数的读取与更新（热更新）
// GET /admin/config   返回当前参数
// POST /admin/config  以 JSON 载荷更新部分字段，下一个 tick 生效
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	type cfg struct {
		MoveSpeed     *float32 `json:"moveSpeed,omitempty"`
		CommandRate   *float64 `json:"commandRate,omitempty"`
		CommandBurst  *int     `json:"commandBurst,omitempty"`
		Authoritative *bool    `json:"authoritative,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.CurrentTuning())
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		next := s.CurrentTuning()
		if body.MoveSpeed != nil {
			next.MoveSpeed = *body.MoveSpeed
		}
		if body.CommandRate != nil {
			next.CommandRate = *body.CommandRate
		}
		if body.CommandBurst != nil {
			next.CommandBurst = *body.CommandBurst
		}
		if body.Authoritative != nil {
			next.Authoritative = *body.Authoritative
		}
		if !s.UpdateTuning(next) {
			http.Error(w, "too many pending updates", http.StatusServiceUnavailable)
			return
		}
		Log.Infof("config update queued: speed=%.2f rate=%.2f burst=%d authoritative=%v",
			next.MoveSpeed, next.CommandRate, next.CommandBurst, next.Authoritative)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "pending": next})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出运行指标
// GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": s.metrics.Snapshot(),
		"tuning":  s.CurrentTuning(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
