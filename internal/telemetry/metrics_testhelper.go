package telemetry

import "sync"

// ResetMetricsForTest clears cached instruments so tests can bind them to a
// fresh MeterProvider. Test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	toolCallCounter = nil
	toolFailureCounter = nil
	toolLatencyHist = nil
	policyRejectCounter = nil
	approvalCounter = nil
	auditPersistCounter = nil
	auditDropCounter = nil
}
