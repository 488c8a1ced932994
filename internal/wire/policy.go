package wire

// IsAllowedExitPayload is the destination whitelist referenced in spec.md
// §4.3/§6 ("payload is allowed by the codec whitelist"). The core tunnel
// forwards arbitrary BitTorrent/UDP traffic, so the only structural rule is
// a sane minimum size — a zero-length datagram carries no useful payload
// and is rejected to avoid turning exit sockets into an amplification
// primitive.
func IsAllowedExitPayload(data []byte) bool {
	return len(data) > 0
}

// IsOverlayPayload is the §9 "is_overlay_payload(bytes)" predicate: it lets
// local-circuit DATA traffic that is actually addressed to the overlay
// (e.g. piggy-backed introduction traffic) be told apart from ordinary
// application payloads, without this package needing to know the overlay's
// wire format. The peer-discovery overlay is out of scope (spec.md §1), so
// this always returns false; callers such as exitsock call it directly and
// there is no hook to substitute another predicate.
func IsOverlayPayload(data []byte) bool {
	return false
}
