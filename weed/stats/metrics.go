package stats

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	Namespace = "SwBlock"

	ResultOk    = "ok"
	ResultError = "error"
)

var (
	Gather = prometheus.NewRegistry()

	NexusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nexus",
			Name:      "count",
			Help:      "Number of nexus devices by state.",
		}, []string{"state"})

	NexusIoCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nexus",
			Name:      "io_total",
			Help:      "Counter of nexus I/O by op and result.",
		}, []string{"nexus", "op", "result"})

	NexusIoHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "nexus",
			Name:      "io_seconds",
			Help:      "Bucketed histogram of nexus I/O latency.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 24),
		}, []string{"nexus", "op"})

	NexusIoRetryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nexus",
			Name:      "read_retries",
			Help:      "Counter of reads retried on a second child.",
		}, []string{"nexus"})

	ChildStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "child",
			Name:      "state",
			Help:      "1 for the state each child is currently in.",
		}, []string{"nexus", "child", "state"})

	ChildErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "child",
			Name:      "io_errors",
			Help:      "Counter of child I/O errors.",
		}, []string{"nexus", "op"})

	ChildFaultCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "child",
			Name:      "faults",
			Help:      "Counter of child transitions to faulted, by reason.",
		}, []string{"nexus", "reason"})

	RebuildJobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rebuild",
			Name:      "jobs",
			Help:      "Counter of finished rebuild jobs by outcome.",
		}, []string{"nexus", "result"})

	RebuildSegmentCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rebuild",
			Name:      "segments",
			Help:      "Counter of segments copied by rebuild jobs.",
		}, []string{"nexus"})

	RebuildProgressGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rebuild",
			Name:      "progress_percent",
			Help:      "Progress of the running rebuild of a child.",
		}, []string{"nexus", "child"})

	ReservationOpCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "reservation",
			Name:      "ops",
			Help:      "Counter of reservation operations by result.",
		}, []string{"op", "result"})

	ReservationGenerationGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "reservation",
			Name:      "generation",
			Help:      "Current reservation record generation.",
		}, []string{"nexus"})

	FaultInjectedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "inject",
			Name:      "faults",
			Help:      "Counter of injected faults by device and action.",
		}, []string{"device", "action"})

	ControlRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "control",
			Name:      "request_total",
			Help:      "Counter of control plane requests.",
		}, []string{"type", "code"})

	ControlRequestHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "control",
			Name:      "request_seconds",
			Help:      "Bucketed histogram of control plane request processing time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 24),
		}, []string{"type"})
)

func init() {
	Gather.MustRegister(NexusGauge)
	Gather.MustRegister(NexusIoCounter)
	Gather.MustRegister(NexusIoHistogram)
	Gather.MustRegister(NexusIoRetryCounter)
	Gather.MustRegister(ChildStateGauge)
	Gather.MustRegister(ChildErrorCounter)
	Gather.MustRegister(ChildFaultCounter)
	Gather.MustRegister(RebuildJobCounter)
	Gather.MustRegister(RebuildSegmentCounter)
	Gather.MustRegister(RebuildProgressGauge)
	Gather.MustRegister(ReservationOpCounter)
	Gather.MustRegister(ReservationGenerationGauge)
	Gather.MustRegister(FaultInjectedCounter)
	Gather.MustRegister(ControlRequestCounter)
	Gather.MustRegister(ControlRequestHistogram)
	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Result maps an error to the result label value.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOk
}

func LoopPushingMetric(name, instance, addr string, intervalSeconds int) {
	if addr == "" || intervalSeconds == 0 {
		return
	}

	glog.V(0).Infof("%s server sends metrics to %s every %d seconds", name, addr, intervalSeconds)

	pusher := push.New(addr, name).Gatherer(Gather).Grouping("instance", instance)

	for {
		err := pusher.Push()
		if err != nil && !strings.HasPrefix(err.Error(), "unexpected status code 200") {
			glog.V(0).Infof("could not push metrics to prometheus push gateway %s: %v", addr, err)
		}
		if intervalSeconds <= 0 {
			intervalSeconds = 15
		}
		time.Sleep(time.Duration(intervalSeconds) * time.Second)
	}
}

func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}

// MetricsHandler serves the private registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Gather, promhttp.HandlerOpts{})
}

func StartMetricsServer(ip string, port int) {
	if port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	glog.Fatal(http.ListenAndServe(JoinHostPort(ip, port), mux))
}

// DeleteNexusMetrics drops every series labelled with the nexus.
func DeleteNexusMetrics(nexus string) {
	labels := prometheus.Labels{"nexus": nexus}
	NexusIoCounter.DeletePartialMatch(labels)
	NexusIoHistogram.DeletePartialMatch(labels)
	NexusIoRetryCounter.DeletePartialMatch(labels)
	ChildStateGauge.DeletePartialMatch(labels)
	ChildErrorCounter.DeletePartialMatch(labels)
	ChildFaultCounter.DeletePartialMatch(labels)
	RebuildJobCounter.DeletePartialMatch(labels)
	RebuildSegmentCounter.DeletePartialMatch(labels)
	RebuildProgressGauge.DeletePartialMatch(labels)
	ReservationGenerationGauge.DeletePartialMatch(labels)
}
