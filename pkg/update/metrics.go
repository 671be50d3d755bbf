package update

import (
	"sync/atomic"
	"time"
)

// Metrics summarizes committed writes to one channel.
type Metrics struct {
	UpdateCount   int64
	TotalDuration time.Duration
	AvgDuration   time.Duration
	ErrorCount    int64
	LastUpdate    time.Time
}

type metricsCollector struct {
	updates    atomic.Int64
	errors     atomic.Int64
	totalNanos atomic.Int64
	lastUpdate atomic.Int64
}

func (m *metricsCollector) recordSuccess(d time.Duration) {
	m.updates.Add(1)
	m.totalNanos.Add(max(int64(d), 1))
	m.lastUpdate.Store(time.Now().UnixNano())
}

func (m *metricsCollector) recordError() {
	m.errors.Add(1)
}

func (m *metricsCollector) snapshot() Metrics {
	out := Metrics{
		UpdateCount:   m.updates.Load(),
		TotalDuration: time.Duration(m.totalNanos.Load()),
		ErrorCount:    m.errors.Load(),
	}
	if out.UpdateCount > 0 {
		out.AvgDuration = out.TotalDuration / time.Duration(out.UpdateCount)
	}
	if ns := m.lastUpdate.Load(); ns > 0 {
		out.LastUpdate = time.Unix(0, ns).UTC()
	}
	return out
}
