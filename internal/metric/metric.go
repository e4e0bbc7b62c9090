package metric

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tinkerbell/dhcplink/internal/status"
)

var (
	OperationsTotal   *prometheus.CounterVec
	OperationDuration prometheus.ObserverVec
	CodecErrors       *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	Children          *prometheus.GaugeVec

	once sync.Once
)

// Operations are the adapter operations counted by OperationsTotal.
var Operations = []string{
	"GetModeData", "Configure", "Start", "RenewRebind", "Release",
	"Stop", "Build", "Parse", "TransmitReceive",
}

// Init registers the collectors with the default registry. It is safe to call
// more than once.
func Init() {
	once.Do(register)
}

func register() {
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcplink_operations_total",
		Help: "Number of DHCP client adapter operations by result.",
	}, []string{"op", "status"})
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dhcplink_operation_duration_seconds",
		Help:    "Duration of DHCP client adapter operations.",
		Buckets: prometheus.LinearBuckets(.01, .05, 10),
	}, []string{"op"})

	var labelValues []prometheus.Labels
	var opLabels []prometheus.Labels
	for _, op := range Operations {
		opLabels = append(opLabels, prometheus.Labels{"op": op})
		for _, c := range []status.Code{status.Success, status.InvalidParameter, status.AccessDenied} {
			labelValues = append(labelValues, prometheus.Labels{"op": op, "status": string(c)})
		}
	}
	initCounterLabels(OperationsTotal, labelValues)
	initObserverLabels(OperationDuration, opLabels)

	CodecErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcplink_codec_errors_total",
		Help: "Number of packets rejected by the option codec.",
	}, []string{"op"})
	initCounterLabels(CodecErrors, []prometheus.Labels{
		{"op": "Build"},
		{"op": "Parse"},
		{"op": "TransmitReceive"},
	})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcplink_state_transitions_total",
		Help: "Number of DHCP client state transitions delivered to callers.",
	}, []string{"state"})

	Children = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dhcplink_children",
		Help: "Number of client adapter instances bound to a device.",
	}, []string{"device"})
}

func initCounterLabels(m *prometheus.CounterVec, l []prometheus.Labels) {
	for _, labels := range l {
		m.With(labels)
	}
}

func initObserverLabels(m prometheus.ObserverVec, l []prometheus.Labels) {
	for _, labels := range l {
		m.With(labels)
	}
}
