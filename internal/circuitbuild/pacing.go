package circuitbuild

import (
	"context"
	"time"

	"github.com/veiltun/tunnel/internal/table"
)

// pacingInterval is spec.md §4.1's "a timer fires every 5 seconds" period.
const pacingInterval = 5 * time.Second

// Run drives the pacing loop until ctx is cancelled: every 5 seconds, for
// each (length, target) in circuits_needed, top up missing circuits,
// aborting early on the first failure per length (spec.md §4.1).
func (b *Builder) Run(ctx context.Context) {
	ticker := time.NewTicker(pacingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Builder) tick() {
	for hops, target := range b.tables.CircuitsNeeded() {
		active := len(b.tables.ActiveDataCircuits(hops))
		missing := target - active
		for i := 0; i < missing; i++ {
			if _, err := b.CreateCircuit(hops, table.CircuitTypeData, CreateOpts{}); err != nil {
				b.log.Debug("pacing create_circuit failed", "hops", hops, "err", err)
				break
			}
		}
	}
}

// ReadinessFraction returns tunnels_ready(hops): min(1, active/target), where
// target is the circuits_needed population set for hops by Ensure (the node
// passes MinCircuits there), or a boolean-valued 0/1 when no population is
// set (spec.md §4.1's pacing section).
func (b *Builder) ReadinessFraction(hops int) float64 {
	needed := b.tables.CircuitsNeeded()
	active := len(b.tables.ActiveDataCircuits(hops))
	target, ok := needed[hops]
	if !ok || target <= 0 {
		if active > 0 {
			return 1
		}
		return 0
	}
	frac := float64(active) / float64(target)
	if frac > 1 {
		frac = 1
	}
	return frac
}
