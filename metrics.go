package gameserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the SDK's collectors. Labels are bounded: command names,
// event names and outcome kinds only, never session or player ids.
type metrics struct {
	commandsTotal      *prometheus.CounterVec
	inboundEventsTotal *prometheus.CounterVec
	healthReportsTotal *prometheus.CounterVec
	processReady       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameserver_commands_total",
			Help: "Commands sent to the agent, by command and outcome.",
		}, []string{"command", "outcome"}),
		inboundEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameserver_inbound_events_total",
			Help: "Events received from the agent, by event type and disposition.",
		}, []string{"event", "disposition"}),
		healthReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameserver_health_reports_total",
			Help: "Health reports produced by the health check loop, by reported status.",
		}, []string{"status"}),
		processReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gameserver_process_ready",
			Help: "1 while the process is registered as ready with the agent.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commandsTotal, m.inboundEventsTotal, m.healthReportsTotal, m.processReady)
	}
	return m
}

func (m *metrics) recordCommand(name string, err error) {
	outcome := "ok"
	if kind, ok := KindOf(err); ok {
		outcome = kind.String()
	} else if err != nil {
		outcome = "error"
	}
	m.commandsTotal.WithLabelValues(name, outcome).Inc()
}

func (m *metrics) recordEvent(name, disposition string) {
	m.inboundEventsTotal.WithLabelValues(name, disposition).Inc()
}

func (m *metrics) recordHealth(healthy bool) {
	status := "unhealthy"
	if healthy {
		status = "healthy"
	}
	m.healthReportsTotal.WithLabelValues(status).Inc()
}

func (m *metrics) setReady(ready bool) {
	if ready {
		m.processReady.Set(1)
		return
	}
	m.processReady.Set(0)
}
