package tensor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BufferPool recycles float32 scratch buffers (im2col columns, per-sample
// gradient partials) between training steps.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool // Pools indexed by buffer size
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for one size class.
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed buffer of exactly size elements.
func (bp *BufferPool) Get(size int) []float32 {
	poolSize := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		pool = &sync.Pool{}
		bp.pools[poolSize] = pool
		bp.stats[poolSize] = &PoolStats{}
	}
	stats := bp.stats[poolSize]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	bp.mu.Unlock()

	buf, ok := pool.Get().([]float32)
	if !ok || cap(buf) < size {
		bp.mu.Lock()
		stats.Misses++
		bp.mu.Unlock()
		return make([]float32, size, poolSize)
	}
	buf = buf[:size]
	clear(buf)
	return buf
}

// Put hands a buffer back. Buffers not obtained from Get are ignored.
func (bp *BufferPool) Put(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	poolSize := cap(buf)

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[poolSize]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	pool.Put(buf[:cap(buf)])
}

// Stats returns a copy of the per-size statistics.
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	out := make(map[int]PoolStats, len(bp.stats))
	for size, s := range bp.stats {
		out[size] = *s
	}
	return out
}

func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var sb strings.Builder
	sb.WriteString("BufferPool Statistics:\n")
	for _, size := range sizes {
		stat := stats[size]
		hitRate := float64(0)
		if stat.Gets > 0 {
			hitRate = float64(stat.Gets-stat.Misses) / float64(stat.Gets) * 100
		}
		fmt.Fprintf(&sb, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, stat.Gets, stat.Puts, stat.InUse, stat.MaxInUse, hitRate)
	}
	return sb.String()
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 0 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}

var (
	scratchPool     *BufferPool
	scratchPoolOnce sync.Once
)

// Scratch returns the process-wide scratch pool.
func Scratch() *BufferPool {
	scratchPoolOnce.Do(func() {
		scratchPool = NewBufferPool()
	})
	return scratchPool
}
