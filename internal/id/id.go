package id

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMax         = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

// Generator produces unique, time-ordered string identifiers for queued
// actions. The node component is derived from the device id, so two
// installations never collide and ids stay stable across reloads.
type Generator struct {
	mu        sync.Mutex
	timestamp int64
	nodeID    int64
	step      int64
}

// NewGenerator derives the node from deviceID.
func NewGenerator(deviceID string) *Generator {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return &Generator{
		timestamp: 0,
		nodeID:    int64(h.Sum32()) & nodeMax,
		step:      0,
	}
}

// Generate creates a unique action ID. Ids sort lexicographically in
// creation order, which keeps the persisted queue FIFO after a reload.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()

	if now < g.timestamp {
		// Clock regressed, refuse to go backwards to prevent duplicates
		now = g.timestamp
	}

	if now == g.timestamp {
		g.step = (g.step + 1) & stepMax
		if g.step == 0 {
			// Sequence exhausted for this millisecond, wait for next
			for now <= g.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.step = 0
	}

	g.timestamp = now

	raw := ((now - epoch) << timeShift) | (g.nodeID << nodeShift) | g.step
	// Fixed width keeps lexicographic order aligned with numeric order.
	return "a" + pad(strconv.FormatInt(raw, 36), 13)
}

func pad(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}
