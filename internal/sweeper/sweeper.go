// Package sweeper implements the lifecycle sweeper of spec.md §4.4: a
// periodic pass that removes circuits, relay pairs, and exit sockets once
// they exceed max_time, max_time_inactive, or max_traffic, and garbage
// collects exit_candidates against the overlay's currently-verified set.
// Grounded on `tunnel_community.py`'s `TunnelCommunity.monitor_downloads`-
// adjacent periodic task style (a `LoopingCall` on a fixed interval calling
// a pure sweep function), reimplemented the way `circuitbuild/pacing.go`
// drives its own ticker off a context.
package sweeper

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/veiltun/tunnel/internal/overlay"
	"github.com/veiltun/tunnel/internal/table"
	"github.com/veiltun/tunnel/internal/wire"
)

// interval is how often the sweep runs. The original implementation ties
// this to no named constant; 5 seconds matches spec.md §4.4's "every 5
// seconds" and is far below the smallest configured max_time_inactive.
const interval = 5 * time.Second

// CellSender is the one thing the sweeper needs to emit `destroy` cells to
// removed circuits' and relays' neighbours.
type CellSender interface {
	SendCell(circuitID uint32, cmd uint8, payload []byte, dest net.UDPAddr) error
}

// ExitRemover tears down an exit socket, reused rather than duplicated —
// exitsock.Manager satisfies this.
type ExitRemover interface {
	Remove(circuitID uint32, reason string, emitDestroy bool)
}

// SessionNotifier is told when an originated circuit the node was using for
// an application session (SOCKS5 UDP association, hidden-service
// rendezvous) goes away, so that layer can harvest/stash its BitTorrent
// peer or notify its SOCKS5 client (spec.md §4.4's circuit-removal
// semantics).
type SessionNotifier interface {
	CircuitRemoved(c *table.Circuit, reason string)
}

// Metrics is the narrow subset of metrics.Metrics the sweeper reports to.
type Metrics interface {
	CircuitRemoved(reason string)
	RelayRemoved(reason string)
	ExitSocketRemoved(reason string)
}

// Config is the subset of spec.md §6 settings the sweeper enforces.
type Config struct {
	MaxTime         time.Duration
	MaxTimeInactive time.Duration
	MaxTraffic      uint64
}

// Sweeper periodically removes expired circuits, relays, and exit sockets.
type Sweeper struct {
	tables   *table.Tables
	sender   CellSender
	exits    ExitRemover
	notifier SessionNotifier
	metrics  Metrics
	overlay  overlay.Source
	cfg      Config
	log      *slog.Logger
}

// New builds a Sweeper. notifier, metrics, and ov may be nil; a nil ov
// skips the exit_candidates GC pass.
func New(tables *table.Tables, sender CellSender, exits ExitRemover, notifier SessionNotifier, metrics Metrics, ov overlay.Source, cfg Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		tables:   tables,
		sender:   sender,
		exits:    exits,
		notifier: notifier,
		metrics:  metrics,
		overlay:  ov,
		cfg:      cfg,
		log:      log,
	}
}

// Run drives the periodic sweep until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SweepOnce(time.Now())
		}
	}
}

// SweepOnce runs a single sweep pass using now as the current time,
// exported for deterministic testing.
func (s *Sweeper) SweepOnce(now time.Time) {
	for _, c := range s.tables.AllCircuits() {
		if reason, dead := s.deadCircuit(c, now); dead {
			s.removeCircuit(c, reason)
		}
	}
	for _, r := range s.tables.AllRelayRoutes() {
		if reason, dead := s.deadRelay(r, now); dead {
			s.removeRelay(r, reason)
		}
	}
	if s.exits != nil {
		for _, e := range s.tables.AllExitSockets() {
			if reason, dead := s.deadExit(e, now); dead {
				s.exits.Remove(e.CircuitID, reason, true)
				if s.metrics != nil {
					s.metrics.ExitSocketRemoved(reason)
				}
			}
		}
	}
	if s.overlay != nil {
		present := make(map[[32]byte]bool)
		for _, c := range s.overlay.Candidates() {
			present[c.PubKey] = true
		}
		s.tables.GCExitCandidates(func(pub [32]byte) bool { return present[pub] })
	}
}

func (s *Sweeper) deadCircuit(c *table.Circuit, now time.Time) (string, bool) {
	if s.cfg.MaxTime > 0 && now.Sub(c.CreatedAt) > s.cfg.MaxTime {
		return "max_time exceeded", true
	}
	if s.cfg.MaxTimeInactive > 0 && now.Sub(c.LastIncoming) > s.cfg.MaxTimeInactive {
		return "max_time_inactive exceeded", true
	}
	if s.cfg.MaxTraffic > 0 && c.BytesUp+c.BytesDown > s.cfg.MaxTraffic {
		return "max_traffic exceeded", true
	}
	return "", false
}

func (s *Sweeper) deadRelay(r *table.RelayRoute, now time.Time) (string, bool) {
	if s.cfg.MaxTime > 0 && now.Sub(r.CreatedAt) > s.cfg.MaxTime {
		return "max_time exceeded", true
	}
	if s.cfg.MaxTimeInactive > 0 && now.Sub(r.LastIncoming) > s.cfg.MaxTimeInactive {
		return "max_time_inactive exceeded", true
	}
	if s.cfg.MaxTraffic > 0 && r.BytesUp+r.BytesDown > s.cfg.MaxTraffic {
		return "max_traffic exceeded", true
	}
	return "", false
}

func (s *Sweeper) deadExit(e *table.ExitSocket, now time.Time) (string, bool) {
	if s.cfg.MaxTime > 0 && now.Sub(e.CreatedAt) > s.cfg.MaxTime {
		return "max_time exceeded", true
	}
	if s.cfg.MaxTimeInactive > 0 && now.Sub(e.LastIncoming) > s.cfg.MaxTimeInactive {
		return "max_time_inactive exceeded", true
	}
	if s.cfg.MaxTraffic > 0 && e.BytesUp+e.BytesDown > s.cfg.MaxTraffic {
		return "max_traffic exceeded", true
	}
	return "", false
}

// RemoveCircuitNow applies the same circuit-removal semantics as the
// periodic sweep to a single circuit immediately, for callers outside the
// sweep loop — e.g. internal/keepalive's ping-timeout rule — that need the
// one canonical teardown path rather than duplicating it.
func (s *Sweeper) RemoveCircuitNow(c *table.Circuit, reason string) {
	s.removeCircuit(c, reason)
}

// removeCircuit implements spec.md §4.4's circuit-removal semantics: drop
// the table entry, emit `destroy` toward the first hop, and notify any
// application layer using the circuit so it can harvest/stash its peer or
// tell its SOCKS5 client the association is gone.
func (s *Sweeper) removeCircuit(c *table.Circuit, reason string) {
	s.tables.RemoveCircuit(c.ID)
	s.log.Info("removed circuit", "circuit", c.ID, "reason", reason)
	if s.metrics != nil {
		s.metrics.CircuitRemoved(reason)
	}
	if s.sender != nil {
		if err := s.sender.SendCell(c.ID, wire.CmdDestroy, nil, c.FirstHop); err != nil {
			s.log.Debug("failed to send destroy for removed circuit", "circuit", c.ID, "err", err)
		}
	}
	if s.notifier != nil {
		s.notifier.CircuitRemoved(c, reason)
	}
}

// removeRelay implements spec.md §4.4's relay-removal semantics: drop both
// halves via RemoveRelayPair's existing mirror-aware return values, and
// emit `destroy` to each leg's next hop.
func (s *Sweeper) removeRelay(r *table.RelayRoute, reason string) {
	this, mirror, ok := s.tables.RemoveRelayPair(r.InboundID)
	if !ok {
		return
	}
	s.log.Info("removed relay", "circuit", this.InboundID, "reason", reason)
	if s.metrics != nil {
		s.metrics.RelayRemoved(reason)
	}
	if s.sender == nil {
		return
	}
	if err := s.sender.SendCell(this.InboundID, wire.CmdDestroy, nil, this.NextHop); err != nil {
		s.log.Debug("failed to send destroy for removed relay", "circuit", this.InboundID, "err", err)
	}
	if mirror != nil {
		if err := s.sender.SendCell(mirror.InboundID, wire.CmdDestroy, nil, mirror.NextHop); err != nil {
			s.log.Debug("failed to send destroy for removed relay mirror", "circuit", mirror.InboundID, "err", err)
		}
	}
}
