package index

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"
)

// LookaheadManager is the process-wide adaptive backpressure signal: a
// single ticker samples host CPU and memory every ~1s and adjusts a
// shared integer budget that every IndexerScheduler
// consults before issuing its next fetch. Single writer (the sample
// loop), many readers; Budget is read with an atomic load so readers
// never take a lock.
type LookaheadManager struct {
	budget atomic.Int32

	sampleInterval time.Duration
	cpuThreshold   float64
	memThreshold   float64
	max            int32

	logger *zap.Logger
}

func NewLookaheadManager(logger *zap.Logger) *LookaheadManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LookaheadManager{
		sampleInterval: time.Second,
		cpuThreshold:   90.0,
		memThreshold:   90.0,
		max:            10,
		logger:         logger,
	}
}

// Budget returns the current lookahead allowance, in [0, 10].
func (m *LookaheadManager) Budget() int {
	return int(m.budget.Load())
}

// Run samples CPU/memory every sampleInterval until ctx is cancelled,
// raising the budget by 1 when both are comfortably below threshold and
// lowering it by 1 otherwise.
func (m *LookaheadManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *LookaheadManager) sample() {
	comfortable := true

	cpuPercents, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercents) == 0 || cpuPercents[0] >= m.cpuThreshold {
		comfortable = false
	}

	vm, err := mem.VirtualMemory()
	if err != nil || vm.UsedPercent >= m.memThreshold {
		comfortable = false
	}

	current := m.budget.Load()
	next := current
	if comfortable {
		next = current + 1
	} else {
		next = current - 1
	}
	if next > m.max {
		next = m.max
	}
	if next < 0 {
		next = 0
	}
	if next != current {
		m.budget.Store(next)
		m.logger.Debug("lookahead budget adjusted", zap.Int32("budget", next))
	}
}
