package distributor

import (
	"sort"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/fleet"
)

// SlotSelector ranks the free slots eligible for a capability set. The
// returned slot ids are tried for reservation in order.
type SlotSelector interface {
	Select(nodes []fleet.NodeStatus, caps capability.Set, m capability.Matcher) []fleet.SlotID
}

// GreedySelector packs the busiest eligible node first, so lightly loaded
// nodes empty out and can be scaled away. Ties break towards fewer total
// slots, older last session, then newer browser version.
type GreedySelector struct{}

func (GreedySelector) Select(nodes []fleet.NodeStatus, caps capability.Set, m capability.Matcher) []fleet.SlotID {
	eligible := make([]fleet.NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		if n.Availability == fleet.Up && n.CanServe(caps, m) {
			eligible = append(eligible, n)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Load() != b.Load() {
			return a.Load() > b.Load()
		}
		if len(a.Slots) != len(b.Slots) {
			return len(a.Slots) < len(b.Slots)
		}
		if !a.LastSessionCreated().Equal(b.LastSessionCreated()) {
			return a.LastSessionCreated().Before(b.LastSessionCreated())
		}
		return capability.CompareVersions(a.BrowserVersion(), b.BrowserVersion()) > 0
	})

	var slots []fleet.SlotID
	for _, n := range eligible {
		for _, s := range n.Slots {
			if s.Session == nil && s.IsSupporting(caps, m) {
				slots = append(slots, s.ID)
			}
		}
	}
	return slots
}
