package channel

import (
	"sync/atomic"
	"time"
)

// ChannelMetrics is a point-in-time view of a channel's usage counters.
type ChannelMetrics struct {
	UpdateCount int64
	ErrorCount  int64
	LastUpdate  time.Time
}

// metricsCollector tracks usage for a single channel.
type metricsCollector struct {
	updates    atomic.Int64
	errors     atomic.Int64
	lastUpdate atomic.Int64
}

func (m *metricsCollector) record(err error) {
	m.updates.Add(1)
	if err != nil {
		m.errors.Add(1)
	}
	m.lastUpdate.Store(time.Now().UnixNano())
}

func (m *metricsCollector) snapshot() ChannelMetrics {
	out := ChannelMetrics{
		UpdateCount: m.updates.Load(),
		ErrorCount:  m.errors.Load(),
	}
	if ns := m.lastUpdate.Load(); ns > 0 {
		out.LastUpdate = time.Unix(0, ns).UTC()
	}
	return out
}
