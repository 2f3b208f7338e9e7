package transport

import (
	"sync/atomic"
)

// DeviceMetrics contains atomic metrics for one device.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type DeviceMetrics struct {
	// DatagramCount indicates the number of connection datagrams processed.
	DatagramCount atomic.Uint64
	// ConnectCount indicates the number of endpoints that reached the
	// connected state.
	ConnectCount atomic.Uint64

	// SmsgSendCount indicates the number of short messages handed to the
	// hardware.
	SmsgSendCount atomic.Uint64
	// SmsgRecvCount indicates the number of inbound short messages delivered.
	SmsgRecvCount atomic.Uint64
	// SmsgRetryCount indicates the number of short-message reissues after a
	// recoverable failure.
	SmsgRetryCount atomic.Uint64

	// FmaPostCount indicates the number of transactions posted on the fast
	// memory access engine.
	FmaPostCount atomic.Uint64
	// RdmaPostCount indicates the number of transactions posted on the bulk
	// transfer engine.
	RdmaPostCount atomic.Uint64
	// RdmaRetryCount indicates the number of transaction reposts after a
	// recoverable failure.
	RdmaRetryCount atomic.Uint64
	// InlineCount indicates the number of transactions that completed inside
	// the post call.
	InlineCount atomic.Uint64

	// FailureCount indicates the number of fragments that completed with an
	// error.
	FailureCount atomic.Uint64
	// WaitListCount indicates the number of times an endpoint was parked on
	// the wait list.
	WaitListCount atomic.Uint64
	// ReplayCount indicates the number of completions replayed from the
	// deferred list.
	ReplayCount atomic.Uint64
}

func (m *DeviceMetrics) incDatagramCount() {
	m.DatagramCount.Add(1)
}

func (m *DeviceMetrics) incConnectCount() {
	m.ConnectCount.Add(1)
}

func (m *DeviceMetrics) incSmsgSendCount() {
	m.SmsgSendCount.Add(1)
}

func (m *DeviceMetrics) incSmsgRecvCount() {
	m.SmsgRecvCount.Add(1)
}

func (m *DeviceMetrics) incSmsgRetryCount() {
	m.SmsgRetryCount.Add(1)
}

func (m *DeviceMetrics) incFmaPostCount() {
	m.FmaPostCount.Add(1)
}

func (m *DeviceMetrics) incRdmaPostCount() {
	m.RdmaPostCount.Add(1)
}

func (m *DeviceMetrics) incRdmaRetryCount() {
	m.RdmaRetryCount.Add(1)
}

func (m *DeviceMetrics) incInlineCount() {
	m.InlineCount.Add(1)
}

func (m *DeviceMetrics) incFailureCount() {
	m.FailureCount.Add(1)
}

func (m *DeviceMetrics) incWaitListCount() {
	m.WaitListCount.Add(1)
}

func (m *DeviceMetrics) incReplayCount() {
	m.ReplayCount.Add(1)
}
