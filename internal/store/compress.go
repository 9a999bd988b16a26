package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/zstd"
)

// Dictionary kinds for the dicts_tx collection.
const (
	dictKindTxData   = "data"
	dictKindTxTraces = "traces"
)

// onlineCompressionLevel is used for records compressed inline at insert
// time, before a batch has been through maintenance and gained a trained
// dictionary. Level 1 favors write throughput over ratio, matching the
// spec's "moderate online compression" requirement.
const onlineCompressionLevel = 1

// maxDictionarySize bounds the zstd dictionary trained per batch
// (suggested 110 KiB).
const maxDictionarySize = 110 * 1024

func compressPlain(data []byte) ([]byte, error) {
	out, err := zstd.CompressLevel(nil, data, onlineCompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("zstd compress: %w", err)
	}
	return out, nil
}

func decompressPlain(data []byte) ([]byte, error) {
	out, err := zstd.Decompress(nil, data)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

func compressWithDict(data, dict []byte) ([]byte, error) {
	out, err := zstd.CompressDict(nil, data, dict)
	if err != nil {
		return nil, fmt.Errorf("zstd compress with dict: %w", err)
	}
	return out, nil
}

func decompressWithDict(data, dict []byte) ([]byte, error) {
	out, err := zstd.DecompressDict(nil, data, dict)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress with dict: %w", err)
	}
	return out, nil
}

// trainDictionary trains a zstd dictionary over a batch of sample
// payloads, capped at maxDictionarySize.
func trainDictionary(samples [][]byte) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to train on")
	}
	dict, err := zstd.TrainFromBuffer(samples, maxDictionarySize)
	if err != nil {
		return nil, fmt.Errorf("train dictionary: %w", err)
	}
	return dict, nil
}

// dictCache is an append-only, batch-ordinal-keyed cache of installed
// dictionaries, shared between the writer (compression maintenance) and
// readers (indexers, API lookups). Maintenance only ever adds entries;
// nothing mutates an installed one. A ticker periodically clears the
// cache so long-running readers cannot pin arbitrarily many dictionaries
// in memory.
type dictCache struct {
	mu      sync.RWMutex
	entries map[string][]byte // "kind:batch" -> dictionary blob

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newDictCache(evictEvery time.Duration) *dictCache {
	c := &dictCache{
		entries: make(map[string][]byte),
		stopCh:  make(chan struct{}),
	}
	if evictEvery > 0 {
		go c.evictLoop(evictEvery)
	}
	return c
}

func (c *dictCache) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.entries = make(map[string][]byte)
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

func (c *dictCache) stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func dictCacheKey(kind string, batch uint64) string {
	return fmt.Sprintf("%s:%d", kind, batch)
}

func (c *dictCache) get(kind string, batch uint64) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[dictCacheKey(kind, batch)]
	return d, ok
}

func (c *dictCache) put(kind string, batch uint64, dict []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[dictCacheKey(kind, batch)] = dict
}
