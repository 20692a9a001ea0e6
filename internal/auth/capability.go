// ABOUTME: Capability enum and set type gating supervisor actions
// ABOUTME: Capabilities are derived from tenant ownership at auth time

package auth

// Capability is a named permission gating a specific broker action
type Capability string

const (
	CapMonitor         Capability = "monitor"
	CapSendInstruction Capability = "send_instruction"
	CapTakeover        Capability = "takeover"
	CapRelease         Capability = "release"
	CapViewAnalytics   Capability = "view_analytics"
)

// OwnerCapabilities is the uniform bundle granted to any tenant owner.
// Finer-grained roles are a pending product decision; until then every
// owner gets the full set.
var OwnerCapabilities = []Capability{
	CapMonitor,
	CapSendInstruction,
	CapTakeover,
	CapRelease,
	CapViewAnalytics,
}

// CapabilitySet is a set of capabilities held by a session
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports whether the set contains the capability
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Strings returns the capabilities as sorted-insertion strings for wire echo
func (s CapabilitySet) Strings() []string {
	out := make([]string, 0, len(s))
	for _, c := range OwnerCapabilities {
		if s.Has(c) {
			out = append(out, string(c))
		}
	}
	return out
}
