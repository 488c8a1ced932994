// Package metrics defines the node's injectable Metrics collaborator
// (spec.md §9 "injectable Metrics interface") plus a Prometheus-backed
// implementation. The teacher's single-circuit CLI has no metrics of its
// own; this is adopted from the retrieved pack's only metrics-exporting
// repo, `petervdpas-goop2`, which pulls in `github.com/prometheus/
// client_golang` for its libp2p peer counters the same way this node counts
// circuits, relays, and exit sockets.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the counters collaborator every component that creates,
// removes, or relays through an entity reports to. A nil Metrics is never
// passed around — callers use NoOp when they don't want Prometheus wired
// in.
type Metrics interface {
	CircuitCreated()
	CircuitRemoved(reason string)
	RelayCreated()
	RelayRemoved(reason string)
	ExitSocketCreated()
	ExitSocketRemoved(reason string)
	BytesRelayed(n uint64)
}

// noop discards every observation, for tests and embeddings that don't
// want a Prometheus registry.
type noop struct{}

// NoOp is a Metrics implementation that discards all observations.
var NoOp Metrics = noop{}

func (noop) CircuitCreated()            {}
func (noop) CircuitRemoved(string)      {}
func (noop) RelayCreated()              {}
func (noop) RelayRemoved(string)        {}
func (noop) ExitSocketCreated()         {}
func (noop) ExitSocketRemoved(string)   {}
func (noop) BytesRelayed(uint64)        {}

// Prometheus is the concrete Metrics implementation: one counter per entity
// kind for creation, one vector counter per entity kind for removal broken
// down by reason (spec.md §4.4's "reason strings are observable via logs"
// extended to metrics), and a running byte-relayed counter.
type Prometheus struct {
	circuitsCreated    prometheus.Counter
	circuitsRemoved    *prometheus.CounterVec
	relaysCreated      prometheus.Counter
	relaysRemoved      *prometheus.CounterVec
	exitSocketsCreated prometheus.Counter
	exitSocketsRemoved *prometheus.CounterVec
	bytesRelayed       prometheus.Counter
}

// NewPrometheus registers the node's counters with reg and returns a
// Metrics backed by them. reg may be prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		circuitsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veiltun_circuits_created_total",
			Help: "Circuits originated by this node.",
		}),
		circuitsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veiltun_circuits_removed_total",
			Help: "Circuits removed by this node, by reason.",
		}, []string{"reason"}),
		relaysCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veiltun_relay_pairs_created_total",
			Help: "Relay route pairs installed by this node.",
		}),
		relaysRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veiltun_relay_pairs_removed_total",
			Help: "Relay route pairs removed by this node, by reason.",
		}, []string{"reason"}),
		exitSocketsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veiltun_exit_sockets_created_total",
			Help: "Exit sockets created by this node.",
		}),
		exitSocketsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veiltun_exit_sockets_removed_total",
			Help: "Exit sockets removed by this node, by reason.",
		}, []string{"reason"}),
		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veiltun_bytes_relayed_total",
			Help: "Bytes relayed through this node across all roles.",
		}),
	}
	reg.MustRegister(
		p.circuitsCreated, p.circuitsRemoved,
		p.relaysCreated, p.relaysRemoved,
		p.exitSocketsCreated, p.exitSocketsRemoved,
		p.bytesRelayed,
	)
	return p
}

func (p *Prometheus) CircuitCreated()          { p.circuitsCreated.Inc() }
func (p *Prometheus) CircuitRemoved(r string)  { p.circuitsRemoved.WithLabelValues(r).Inc() }
func (p *Prometheus) RelayCreated()            { p.relaysCreated.Inc() }
func (p *Prometheus) RelayRemoved(r string)    { p.relaysRemoved.WithLabelValues(r).Inc() }
func (p *Prometheus) ExitSocketCreated()       { p.exitSocketsCreated.Inc() }
func (p *Prometheus) ExitSocketRemoved(r string) {
	p.exitSocketsRemoved.WithLabelValues(r).Inc()
}
func (p *Prometheus) BytesRelayed(n uint64) { p.bytesRelayed.Add(float64(n)) }
