package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrResourceExhausted is returned when a computation graph grows past the
// configured byte budget.
var ErrResourceExhausted = errors.New("resource exhausted")

// BytesPerElement is the size of one tensor element (float64).
const BytesPerElement = 8

// MemoryManager accounts for the bytes held by a live computation graph.
// Tensors created from a tracked input charge their storage here, so the
// manager sees the whole unrolled chain of one meta-iteration. A Limit of
// zero disables the budget but still records usage.
type MemoryManager struct {
	limit int64

	inUse  atomic.Int64
	peak   atomic.Int64
	allocs atomic.Int64

	mu       sync.Mutex
	overflow int64 // first allocation size that crossed the limit
}

// NewMemoryManager creates a manager with the given byte limit (0 = unlimited).
func NewMemoryManager(limit int64) *MemoryManager {
	if limit < 0 {
		limit = 0
	}
	return &MemoryManager{limit: limit}
}

// Limit returns the configured byte budget.
func (mm *MemoryManager) Limit() int64 {
	return mm.limit
}

// Allocate charges n elements. It never fails on its own: tensor kernels run
// without error returns, so the overflow is recorded and surfaced by Err.
func (mm *MemoryManager) Allocate(elements int) {
	if mm == nil || elements <= 0 {
		return
	}
	size := int64(elements) * BytesPerElement
	total := mm.inUse.Add(size)
	mm.allocs.Add(1)

	for {
		peak := mm.peak.Load()
		if total <= peak || mm.peak.CompareAndSwap(peak, total) {
			break
		}
	}

	if mm.limit > 0 && total > mm.limit {
		mm.mu.Lock()
		if mm.overflow == 0 {
			mm.overflow = size
		}
		mm.mu.Unlock()
	}
}

// Err reports ErrResourceExhausted once usage has crossed the limit.
func (mm *MemoryManager) Err() error {
	if mm == nil {
		return nil
	}
	mm.mu.Lock()
	overflow := mm.overflow
	mm.mu.Unlock()
	if overflow == 0 {
		return nil
	}
	return fmt.Errorf("graph holds %d bytes, limit %d: %w", mm.inUse.Load(), mm.limit, ErrResourceExhausted)
}

// Reset drops all accounting. Called when a graph is released.
func (mm *MemoryManager) Reset() {
	if mm == nil {
		return
	}
	mm.inUse.Store(0)
	mm.allocs.Store(0)
	mm.mu.Lock()
	mm.overflow = 0
	mm.mu.Unlock()
}

// InUse returns the bytes charged since the last Reset.
func (mm *MemoryManager) InUse() int64 {
	return mm.inUse.Load()
}

// Peak returns the largest InUse value observed over the manager's lifetime.
func (mm *MemoryManager) Peak() int64 {
	return mm.peak.Load()
}

// Stats returns a printable snapshot for logging.
func (mm *MemoryManager) Stats() map[string]string {
	return map[string]string{
		"in_use": formatBytes(mm.inUse.Load()),
		"peak":   formatBytes(mm.peak.Load()),
		"limit":  formatBytes(mm.limit),
		"allocs": fmt.Sprintf("%d", mm.allocs.Load()),
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
