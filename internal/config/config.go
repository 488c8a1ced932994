// Package config holds the node's tunable settings (spec.md §6 "External
// Interfaces"). The teacher has no config file at all — a single-circuit
// CLI hardcodes its one address (`cmd/tor-client/main.go`'s
// "127.0.0.1:9050"); this node generalizes that to a plain struct with
// documented defaults, loadable from flags in cmd/veiltun or overridden by
// struct literals in tests, matching the teacher's preference for explicit
// values over a config-file framework.
package config

import "time"

// CircuitIDPort is the reserved destination port sentinel spec.md §4.6
// checks for to route a lookup through the rendezvous-circuit selection
// path instead of round-robin. The original module's own constants file
// (referenced but not included in the retrieved source) is unavailable, so
// this follows Tribler's documented convention of a high, unassigned TCP/UDP
// port.
const CircuitIDPort = 1024

// Settings is the node's full tunable configuration (spec.md §6).
type Settings struct {
	MinCircuits            int
	MaxCircuits            int
	MaxRelaysOrExits       int
	MaxTime                time.Duration
	MaxTimeInactive        time.Duration
	MaxTraffic             uint64
	MaxPacketsWithoutReply int
	SocksListenPorts       []int
	BecomeExitNode         bool
	PingInterval           time.Duration
}

// Default returns spec.md §3/§6's documented defaults, matching
// `tunnel_community.py`'s `TunnelSettings` constructor values exactly.
func Default() Settings {
	return Settings{
		MinCircuits:            4,
		MaxCircuits:            8,
		MaxRelaysOrExits:       100,
		MaxTime:                600 * time.Second,
		MaxTimeInactive:        20 * time.Second,
		MaxTraffic:             55 * 1024 * 1024,
		MaxPacketsWithoutReply: 50,
		SocksListenPorts:       []int{1080, 1081, 1082, 1083, 1084},
		BecomeExitNode:         false,
		PingInterval:           10 * time.Second,
	}
}
