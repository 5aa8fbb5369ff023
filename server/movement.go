package server

// DefaultMoveSpeed 每秒移动的单位数
const DefaultMoveSpeed float32 = 200

// Integrate new = old + direction * elapsed * speed。无边界、无碰撞
func Integrate(pos, dir Vec2, elapsedSeconds, speed float32) Vec2 {
	return pos.Add(dir.Scale(elapsedSeconds * speed))
}

// MovementIntegrator 把通过校验的指令作用到实体位置上
type MovementIntegrator struct {
	world *World
	speed float32
}

func NewMovementIntegrator(world *World, speed float32) *MovementIntegrator {
	return &MovementIntegrator{world: world, speed: speed}
}

func (m *MovementIntegrator) Speed() float32 { return m.speed }

func (m *MovementIntegrator) SetSpeed(speed float32) { m.speed = speed }

// Apply 按顺序逐条应用（同一客户端的多条指令不合并），返回实际作用的条数
func (m *MovementIntegrator) Apply(moves []TaggedMove, elapsedSeconds float32) int {
	applied := 0
	for _, mv := range moves {
		delta := Integrate(Vec2{}, mv.Direction, elapsedSeconds, m.speed)
		if !m.world.translate(mv.Owner, mv.Entity, delta) {
			continue
		}
		applied++
		Log.Debugf("client %d move (%.2f, %.2f) dt=%.4f", mv.Owner, mv.Direction.X, mv.Direction.Y, elapsedSeconds)
	}
	return applied
}
