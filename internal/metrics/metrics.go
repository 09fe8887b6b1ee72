package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives runtime events worth exporting.
//
// Hooks are called inline on the report path, so implementations must not
// block.
type Collector interface {
	IncReport(index int)
	IncDropped(index int)
	SetSubscribers(n int)
	SetConnected(index int, connected bool)
	IncConfigure(result string)
}

type noopCollector struct{}

// Noop returns a collector that discards everything.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncReport(int)          {}
func (noopCollector) IncDropped(int)         {}
func (noopCollector) SetSubscribers(int)     {}
func (noopCollector) SetConnected(int, bool) {}
func (noopCollector) IncConfigure(string)    {}

// PrometheusCollector exposes controller activity as Prometheus metrics.
type PrometheusCollector struct {
	reports     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subscribers prometheus.Gauge
	connected   *prometheus.GaugeVec
	configure   *prometheus.CounterVec
}

// NewPrometheusCollector registers the controller metrics with reg. A nil
// registerer means the default one.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ampctl_reports_published_total",
			Help: "Telemetry reports published per amplifier.",
		}, []string{"amplifier"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ampctl_reports_dropped_total",
			Help: "Telemetry reports dropped because a subscriber was not keeping up.",
		}, []string{"amplifier"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ampctl_stream_subscribers",
			Help: "Number of live telemetry stream subscribers.",
		}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ampctl_amplifier_connected",
			Help: "Whether the control connection to an amplifier is up (1) or down (0).",
		}, []string{"amplifier"}),
		configure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ampctl_configure_requests_total",
			Help: "Configuration requests by result.",
		}, []string{"result"}),
	}

	var err error
	if c.reports, err = registerCounterVec(reg, c.reports); err != nil {
		return nil, err
	}
	if c.dropped, err = registerCounterVec(reg, c.dropped); err != nil {
		return nil, err
	}
	if c.configure, err = registerCounterVec(reg, c.configure); err != nil {
		return nil, err
	}
	if err := reg.Register(c.subscribers); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		gauge, ok := already.ExistingCollector.(prometheus.Gauge)
		if !ok {
			return nil, err
		}
		c.subscribers = gauge
	}
	if err := reg.Register(c.connected); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		vec, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return nil, err
		}
		c.connected = vec
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return vec, nil
}

// IncReport counts a published report.
func (p *PrometheusCollector) IncReport(index int) {
	p.reports.WithLabelValues(strconv.Itoa(index)).Inc()
}

// IncDropped counts a report a subscriber missed.
func (p *PrometheusCollector) IncDropped(index int) {
	p.dropped.WithLabelValues(strconv.Itoa(index)).Inc()
}

// SetSubscribers records the current number of stream subscribers.
func (p *PrometheusCollector) SetSubscribers(n int) {
	p.subscribers.Set(float64(n))
}

// SetConnected records the amplifier connection state.
func (p *PrometheusCollector) SetConnected(index int, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	p.connected.WithLabelValues(strconv.Itoa(index)).Set(v)
}

// IncConfigure counts a configuration request outcome.
func (p *PrometheusCollector) IncConfigure(result string) {
	p.configure.WithLabelValues(result).Inc()
}
