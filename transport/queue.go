package transport

import "sync"

// Queue 多生产者/单消费者的交接队列：网络协程写入，Tick 线程每帧整体取走。
// limit <= 0 表示不限长度；有上限时是环形缓冲，满时覆盖最旧的元素。
type Queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int // 最旧元素的位置
	size    int
	limit   int
	dropped uint64
}

func NewQueue[T any](limit int) *Queue[T] {
	return &Queue[T]{limit: limit}
}

// Push 入队，返回是否因队列满丢弃了最旧元素
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && q.size == q.limit {
		q.buf[q.head] = v
		q.head = (q.head + 1) % len(q.buf)
		q.dropped++
		return true
	}
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
	return false
}

// grow 按顺序搬到更大的缓冲区，容量不超过 limit
func (q *Queue[T]) grow() {
	n := 2 * len(q.buf)
	if n < 16 {
		n = 16
	}
	if q.limit > 0 && n > q.limit {
		n = q.limit
	}
	buf := make([]T, n)
	q.copyTo(buf)
	q.buf, q.head = buf, 0
}

func (q *Queue[T]) copyTo(dst []T) {
	first := copy(dst, q.buf[q.head:min(q.head+q.size, len(q.buf))])
	copy(dst[first:q.size], q.buf[:q.size-first])
}

// Drain 取走当前所有元素（按入队顺序）
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil
	}
	out := make([]T, q.size)
	q.copyTo(out)
	clear(q.buf)
	q.head, q.size = 0, 0
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped 累计因溢出丢弃的数量
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
