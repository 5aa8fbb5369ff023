package server

import "mmonode/protocol"

// ColorFor 由 ClientID 确定性地导出玩家颜色（同一 id 永远得到同一颜色）。
// 先用 splitmix64 打散，避免相邻 id 落在相近的颜色上，再各取 10 位映射到 [0,1]
func ColorFor(id protocol.ClientID) Color {
	h := mix64(uint64(id))
	const mask = 1<<10 - 1
	return Color{
		R: float32(h&mask) / mask,
		G: float32((h>>10)&mask) / mask,
		B: float32((h>>20)&mask) / mask,
	}
}

func mix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
