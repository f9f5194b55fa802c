package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nefit-easy-connector/internal/connector"
	"nefit-easy-connector/internal/scheduler"
)

const namespace = "nefit_easy"

// Metrics owns a private registry with the connector's collectors.
type Metrics struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	channelFailures *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
	lastSuccess     prometheus.Gauge
	temperature     *prometheus.GaugeVec
	pressure        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Scheduler ticks by result",
			},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of fetch and publish cycles",
				Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		channelFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_failures_total",
				Help:      "Failed publishes per channel",
			},
			[]string{"channel"},
		),
		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "1 for the current thermostat connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful cycle",
			},
		),
		temperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "temperature_celsius",
				Help:      "Last reported temperatures",
			},
			[]string{"sensor"},
		),
		pressure: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pressure_bar",
				Help:      "Last reported central heating pressure",
			},
		),
	}

	m.registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.channelFailures,
		m.connectionState,
		m.lastSuccess,
		m.temperature,
		m.pressure,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetConnectionState(connector.Disconnected)
	return m
}

// Registry exposes the registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCycle implements scheduler.Recorder.
func (m *Metrics) RecordCycle(o scheduler.Outcome) {
	m.cycles.WithLabelValues(string(o.Result)).Inc()
	if o.Result == scheduler.ResultSkipped {
		return
	}
	m.cycleDuration.Observe(o.Duration.Seconds())
	for _, name := range o.FailedChannels {
		m.channelFailures.WithLabelValues(name).Inc()
	}
	if o.Result != scheduler.ResultOK || o.Status == nil {
		return
	}

	m.lastSuccess.Set(float64(o.Start.Add(o.Duration).Unix()))
	cur := o.Status.Current
	setIf(m.temperature.WithLabelValues("setpoint"), cur.Setpoint)
	setIf(m.temperature.WithLabelValues("indoor"), cur.IndoorTemperature)
	setIf(m.temperature.WithLabelValues("outdoor"), cur.OutdoorTemperature)
	setIf(m.temperature.WithLabelValues("supply"), cur.SupplyTemperature)
	setIf(m.pressure, cur.Pressure)
}

// SetConnectionState is used as the connector's state change hook.
func (m *Metrics) SetConnectionState(s connector.State) {
	for _, st := range []connector.State{connector.Disconnected, connector.Connecting, connector.Connected} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(st.String()).Set(v)
	}
}

func setIf(g prometheus.Gauge, v *float64) {
	if v != nil {
		g.Set(*v)
	}
}
