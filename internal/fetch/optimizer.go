package fetch

import (
	"sync"

	"go.uber.org/zap"
)

// BatchSizerConfig configures the adaptive blocksPerBatch controller: a
// single utilization-ratio rule driving how many blocks one fetch round
// requests.
type BatchSizerConfig struct {
	Initial  int
	Min      int
	Enable   bool // enableBatchSizeGrowth
	Increase float64
	// utilizationThreshold: below this, a successful batch grows current.
	UtilizationThreshold float64
}

func DefaultBatchSizerConfig(initial, min int, enableGrowth bool) *BatchSizerConfig {
	return &BatchSizerConfig{
		Initial:              initial,
		Min:                  min,
		Enable:               enableGrowth,
		Increase:             1.5,
		UtilizationThreshold: 0.5,
	}
}

// BatchSizer tracks the current blocksPerBatch value and the last
// observed utilization ratio: grow multiplicatively on a comfortably-sized
// success, halve on an oversize/size-attributable failure, floor at min,
// ceiling at the configured initial value.
type BatchSizer struct {
	mu     sync.Mutex
	cfg    *BatchSizerConfig
	logger *zap.Logger

	current           int
	lastUtilization   float64
}

func NewBatchSizer(cfg *BatchSizerConfig, logger *zap.Logger) *BatchSizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchSizer{cfg: cfg, logger: logger, current: cfg.Initial}
}

// Current returns the current blocksPerBatch value.
func (b *BatchSizer) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Stats implements getBatchSizeStats.
type Stats struct {
	Current           int
	Min               int
	UtilizationRatio float64
}

func (b *BatchSizer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Current: b.current, Min: b.cfg.Min, UtilizationRatio: b.lastUtilization}
}

// OnSuccess records a successful fetch's observed utilization ratio
// (bytes_received / bytes_cap_estimate) and grows current when the
// response comfortably fit and growth is enabled.
func (b *BatchSizer) OnSuccess(utilization float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUtilization = utilization

	if !b.cfg.Enable {
		return
	}
	if utilization >= b.cfg.UtilizationThreshold {
		return
	}

	newSize := int(float64(b.current) * b.cfg.Increase)
	if newSize > b.cfg.Initial {
		newSize = b.cfg.Initial
	}
	if newSize == b.current {
		return
	}
	b.logger.Info("batch size increased", zap.Int("from", b.current), zap.Int("to", newSize), zap.Float64("utilization", utilization))
	b.current = newSize
}

// OnOversizeFailure halves current (floored at min) in response to a
// "response too large" error, a timeout, or any sub-request error
// attributable to size.
func (b *BatchSizer) OnOversizeFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	newSize := b.current / 2
	if newSize < b.cfg.Min {
		newSize = b.cfg.Min
	}
	if newSize == b.current {
		b.logger.Warn("batch size already at floor", zap.Int("current", b.current))
		return
	}
	b.logger.Warn("batch size reduced after oversize failure", zap.Int("from", b.current), zap.Int("to", newSize))
	b.current = newSize
}
