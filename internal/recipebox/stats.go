package recipebox

import (
	"fmt"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	stored      atomic.Uint64
	storedBytes atomic.Uint64
	fallbacks   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (s *statsCollector) Observe(outcome fetchOutcome, bodyBytes int) {
	if s == nil {
		return
	}
	switch outcome {
	case outcomeHit:
		s.hits.Add(1)
	case outcomeStore:
		s.misses.Add(1)
		s.stored.Add(1)
		if bodyBytes > 0 {
			s.storedBytes.Add(uint64(bodyBytes))
		}
	case outcomeBypass:
		s.misses.Add(1)
	case outcomeFallback:
		s.fallbacks.Add(1)
	}
}

type statsSnapshot struct {
	Hits        uint64
	Misses      uint64
	Stored      uint64
	StoredBytes uint64
	Fallbacks   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	return statsSnapshot{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Stored:      s.stored.Load(),
		StoredBytes: s.storedBytes.Load(),
		Fallbacks:   s.fallbacks.Load(),
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
