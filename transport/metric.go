package transport

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// RequestSendCount indicates the number of request frames written.
	RequestSendCount atomic.Uint64
	// ResponseRecvCount indicates the number of responses matched to a request.
	ResponseRecvCount atomic.Uint64
	// UnsolicitedCount indicates the number of responses without a pending request.
	UnsolicitedCount atomic.Uint64
	// TimeoutCount indicates the number of requests that expired in flight.
	TimeoutCount atomic.Uint64
	// FrameErrCount indicates the number of discarded frames or resyncs.
	FrameErrCount atomic.Uint64
	// InflightCount indicates the number of requests in flight.
	InflightCount atomic.Int64

	// HeartbeatSendCount indicates the number of heartbeat requests sent.
	HeartbeatSendCount atomic.Uint64
	// HeartbeatErrCount indicates the number of heartbeat requests without a usable reply.
	HeartbeatErrCount atomic.Uint64

	// ConnRetryGauge indicates the number of connection retries since the last successful connect.
	ConnRetryGauge atomic.Uint32
	// ForcedReconnectCount indicates the number of reconnects forced by the health check.
	ForcedReconnectCount atomic.Uint64
}

func (m *ConnectionMetrics) incRequestSendCount() {
	m.RequestSendCount.Add(1)
}

func (m *ConnectionMetrics) incResponseRecvCount() {
	m.ResponseRecvCount.Add(1)
}

func (m *ConnectionMetrics) incUnsolicitedCount() {
	m.UnsolicitedCount.Add(1)
}

func (m *ConnectionMetrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *ConnectionMetrics) incFrameErrCount() {
	m.FrameErrCount.Add(1)
}

func (m *ConnectionMetrics) incInflightCount() {
	m.InflightCount.Add(1)
}

func (m *ConnectionMetrics) decInflightCount() {
	m.InflightCount.Add(-1)
}

func (m *ConnectionMetrics) incHeartbeatSendCount() {
	m.HeartbeatSendCount.Add(1)
}

func (m *ConnectionMetrics) incHeartbeatErrCount() {
	m.HeartbeatErrCount.Add(1)
}

func (m *ConnectionMetrics) incConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

func (m *ConnectionMetrics) resetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}

func (m *ConnectionMetrics) incForcedReconnectCount() {
	m.ForcedReconnectCount.Add(1)
}
