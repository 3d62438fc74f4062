package recipebox

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollectorObserve(t *testing.T) {
	s := newStatsCollector()
	s.Observe(outcomeHit, 10)
	s.Observe(outcomeStore, 100)
	s.Observe(outcomeStore, 0)
	s.Observe(outcomeBypass, 5)
	s.Observe(outcomeFallback, 46)

	assert.Equal(t, statsSnapshot{
		Hits:        1,
		Misses:      3,
		Stored:      2,
		StoredBytes: 100,
		Fallbacks:   1,
	}, s.Snapshot())

	var nilStats *statsCollector
	assert.NotPanics(t, func() { nilStats.Observe(outcomeHit, 1) })
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "10mb", formatBytes(10<<20))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}

func TestRateLimitedLoggerSuppresses(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})

	l := newRateLimitedLogger(time.Hour)
	l.Printf("put failed: %d", 1)
	l.Printf("put failed: %d", 2)
	l.Printf("put failed: %d", 3)
	assert.Equal(t, "put failed: 1\n", buf.String())

	l.lastAt = time.Now().Add(-2 * time.Hour)
	l.Printf("put failed: %d", 4)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "put failed: 4 (2 similar suppressed)", lines[len(lines)-1])
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.fetched(outcomeHit)
		m.loaded("network")
		m.installed("ok")
	})
	assert.NotNil(t, m.Handler())
}
