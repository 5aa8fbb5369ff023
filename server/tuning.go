package server

// Tuning 运行期可热更新的参数
type Tuning struct {
	MoveSpeed     float32 `json:"moveSpeed"`
	CommandRate   float64 `json:"commandRate"`
	CommandBurst  int     `json:"commandBurst"`
	Authoritative bool    `json:"authoritative"`
}

// UpdateTuning 提交一次参数修改，下一个 tick 开始时生效。队列满返回 false
func (s *Server) UpdateTuning(t Tuning) bool {
	select {
	case s.tuning <- t:
		return true
	default:
		return false
	}
}

// CurrentTuning 最近一次生效的参数
func (s *Server) CurrentTuning() Tuning {
	s.tuningMu.RLock()
	defer s.tuningMu.RUnlock()
	return s.tuningView
}

func (s *Server) applyTuning() {
	for {
		select {
		case t := <-s.tuning:
			s.movement.SetSpeed(t.MoveSpeed)
			s.intake.SetRate(t.CommandRate, t.CommandBurst)
			s.authoritative = t.Authoritative
			t.CommandBurst = s.intake.burst
			s.tuningMu.Lock()
			s.tuningView = t
			s.tuningMu.Unlock()
			Log.Infof("tuning applied: speed=%.1f rate=%.1f burst=%d authoritative=%v",
				t.MoveSpeed, t.CommandRate, t.CommandBurst, t.Authoritative)
		default:
			return
		}
	}
}
