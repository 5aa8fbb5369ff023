package server

import (
	"context"
	"time"
)

// Run 启动 Tick 循环（单线程推进世界），ctx 取消后返回
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	Log.Infof("simulation loop started: tick=%s authoritative=%v", s.tickInterval, s.authoritative)

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			Log.Infof("simulation loop stopped at tick %d", s.world.Tick())
			return
		case now := <-ticker.C:
			// 核心循环：连接事件 → 处理输入 → 更新世界 → 广播结果
			var elapsed time.Duration
			if !last.IsZero() {
				elapsed = now.Sub(last)
			}
			last = now
			start := time.Now()
			s.Tick(now, elapsed)
			s.metrics.AddTick(time.Since(start).Nanoseconds())
		}
	}
}
