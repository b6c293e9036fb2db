// ABOUTME: Prometheus instrumentation fed by the session event bus
// ABOUTME: Each Collector owns a private registry served through promhttp

package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
)

const namespace = "intake"

// Collector turns bus events into Prometheus series.
type Collector struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	turns       *prometheus.CounterVec
	tools       *prometheus.CounterVec
	recoveries  *prometheus.CounterVec
	cancels     prometheus.Counter
	checkpoints *prometheus.CounterVec
	objectives  *prometheus.CounterVec
	phase       *prometheus.GaugeVec
	allowed     prometheus.Gauge
	waiting     prometheus.Gauge

	bus  *events.Bus
	subs []events.Subscription
}

// New registers the collector's series. Attach it to a bus to feed them.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus events published, by topic and kind.",
		}, []string{"topic", "kind"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_dispatched_total",
			Help:      "Outbound turns sent to the model, by kind.",
		}, []string{"kind"}),
		tools: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_results_total",
			Help:      "Tool call results, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_recoveries_total",
			Help:      "Transport failure recoveries, by action.",
		}, []string{"action"}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_cancelled_total",
			Help:      "User-initiated turn cancellations.",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint operations, by operation.",
		}, []string{"op"}),
		objectives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objective_transitions_total",
			Help:      "Objective status transitions, by target status.",
		}, []string{"status"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase",
			Help:      "1 for the current interview phase.",
		}, []string{"phase"}),
		allowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allowed_tools",
			Help:      "Number of tools the model may call right now.",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_for_user",
			Help:      "1 while a tool call waits on the user.",
		}),
	}
	c.registry.MustRegister(
		c.events, c.turns, c.tools, c.recoveries, c.cancels,
		c.checkpoints, c.objectives, c.phase, c.allowed, c.waiting,
	)
	return c
}

// Registry exposes the private registry, for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's series in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Attach subscribes to every topic of bus and records the current phase.
func (c *Collector) Attach(bus *events.Bus, current domain.Phase) {
	c.bus = bus
	c.setPhase(current)
	for _, topic := range events.AllTopics() {
		c.subs = append(c.subs, bus.Subscribe(topic, "metrics", c.observe))
	}
}

// Detach unsubscribes from the bus.
func (c *Collector) Detach() {
	if c.bus == nil {
		return
	}
	for _, sub := range c.subs {
		c.bus.Unsubscribe(sub)
	}
	c.subs = nil
	c.bus = nil
}

func (c *Collector) observe(_ context.Context, ev events.Event) {
	c.events.WithLabelValues(string(ev.Topic), ev.Kind).Inc()

	switch p := ev.Payload.(type) {
	case events.TurnDispatched:
		c.turns.WithLabelValues(string(p.TurnKind)).Inc()
	case events.ToolResultRecorded:
		outcome := "ok"
		if p.IsError {
			outcome = "error"
		}
		c.tools.WithLabelValues(p.ToolName, outcome).Inc()
	case events.ToolRejected:
		c.tools.WithLabelValues(p.ToolName, "rejected").Inc()
	case events.TransportRecovery:
		c.recoveries.WithLabelValues(string(p.Action)).Inc()
	case events.TurnCancelled:
		c.cancels.Inc()
	case events.CheckpointSaved:
		c.checkpoints.WithLabelValues("save").Inc()
	case events.CheckpointRestored:
		c.checkpoints.WithLabelValues("restore").Inc()
		c.setPhase(p.Phase)
	case events.ObjectiveStatusChanged:
		c.objectives.WithLabelValues(string(p.To)).Inc()
	case events.PhaseChanged:
		c.setPhase(p.To)
	case events.AllowedToolsChanged:
		c.allowed.Set(float64(len(p.Tools)))
	case events.WaitingStateSet:
		c.waiting.Set(1)
	case events.WaitingStateCleared:
		c.waiting.Set(0)
	}
}

func (c *Collector) setPhase(current domain.Phase) {
	for _, p := range []domain.Phase{domain.PhaseProfile, domain.PhaseHistory, domain.PhaseReview, domain.PhaseComplete} {
		v := 0.0
		if p == current {
			v = 1
		}
		c.phase.WithLabelValues(p.String()).Set(v)
	}
}
