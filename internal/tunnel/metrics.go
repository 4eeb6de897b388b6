package tunnel

import "time"

// metricsPayload is the cost accounting block attached to data-plane
// completion replies at protocol versions that support it.
type metricsPayload struct {
	NetworkWallCostMs   int64 `json:"NetworkWallCostMs"`
	ClientProcessCostMs int64 `json:"ClientProcessCostMs"`
	TunnelProcessCostMs int64 `json:"TunnelProcessCostMs"`
	StorageCostMs       int64 `json:"StorageCostMs"`
	BytesSent           int64 `json:"BytesSent"`
	BytesReceived       int64 `json:"BytesReceived"`
}

// Metrics is per-operation cost accounting accumulated across the flushes
// of one writer or the streams of one reader. Callers receive nil, not a
// zero value, when the negotiated protocol version predates metrics.
type Metrics struct {
	// NetworkWallCost is time spent on the wire.
	NetworkWallCost time.Duration
	// ClientProcessCost is client-side encode/decode and buffering time.
	ClientProcessCost time.Duration
	// TunnelProcessCost is server-side tunnel processing time.
	TunnelProcessCost time.Duration
	// StorageCost is server-side storage read/write time.
	StorageCost time.Duration
	// BytesSent counts compressed bytes put on the wire.
	BytesSent int64
	// BytesReceived counts compressed bytes taken off the wire.
	BytesReceived int64
	// BytesRaw counts uncompressed payload bytes.
	BytesRaw int64
}

func (m *Metrics) merge(p *metricsPayload) {
	if p == nil {
		return
	}
	m.NetworkWallCost += time.Duration(p.NetworkWallCostMs) * time.Millisecond
	m.TunnelProcessCost += time.Duration(p.TunnelProcessCostMs) * time.Millisecond
	m.StorageCost += time.Duration(p.StorageCostMs) * time.Millisecond
	m.BytesReceived += p.BytesReceived
}
