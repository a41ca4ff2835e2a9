// Package performance tracks the memory a distance computation needs so that
// oversized feature dimensions fail before any work is done.
package performance

import (
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// MemoryBudget tracks reservations against a fixed limit.
// A zero limit means unlimited. A budget shared between concurrent
// computations bounds their combined reservations; a budget used by a single
// computation is a one-shot size check.
type MemoryBudget struct {
	maxMemory   int64
	currentUsed int64
	mu          sync.Mutex
}

// NewMemoryBudget creates a budget of maxMemoryMB mebibytes.
func NewMemoryBudget(maxMemoryMB int64) *MemoryBudget {
	return &MemoryBudget{
		maxMemory: maxMemoryMB * 1024 * 1024,
	}
}

// Allocate reserves bytes or fails without reserving anything.
func (m *MemoryBudget) Allocate(bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxMemory > 0 && m.currentUsed+bytes > m.maxMemory {
		return errors.NewValueError("MemoryBudget.Allocate",
			"memory limit exceeded: "+humanize.IBytes(uint64(m.currentUsed))+" + "+
				humanize.IBytes(uint64(bytes))+" > "+humanize.IBytes(uint64(m.maxMemory)))
	}

	m.currentUsed += bytes
	return nil
}

// Free releases a reservation.
func (m *MemoryBudget) Free(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentUsed -= bytes
	if m.currentUsed < 0 {
		m.currentUsed = 0
	}
}

// GetUsage returns current memory usage
func (m *MemoryBudget) GetUsage() (used, max int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.currentUsed, m.maxMemory
}

// FrechetBytes estimates the peak memory of a Fréchet distance over dim
// features: two accumulated scatter matrices, two covariances and the real
// product, plus the complex eigenvectors, their inverse and the square root.
func FrechetBytes(dim int) int64 {
	d2 := int64(dim) * int64(dim)
	return 5*8*d2 + 3*16*d2
}

// BatchBytes is the size of a float64 image batch plus its feature matrix.
func BatchBytes(batch, channels, size, dim int) int64 {
	return 8 * int64(batch) * (int64(channels)*int64(size)*int64(size) + int64(dim))
}
