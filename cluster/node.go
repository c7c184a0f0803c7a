package cluster

import (
	"fmt"
	"sort"
)

// Node is one member of the cluster as seen by the coordinator.
type Node struct {
	ID          uint64            `msgpack:"id"`
	Name        string            `msgpack:"name"`
	Address     string            `msgpack:"addr"`
	WireVersion WireVersion       `msgpack:"wv"`
	Attributes  map[string]string `msgpack:"attrs,omitempty"`
}

func (n *Node) String() string {
	return fmt.Sprintf("{%s}{%d}{%s}", n.Name, n.ID, n.Address)
}

// Nodes is the membership section of a cluster state.
type Nodes struct {
	Members       map[uint64]*Node `msgpack:"members"`
	LocalNodeID   uint64           `msgpack:"local"`
	CoordinatorID uint64           `msgpack:"coord"`
}

// NewNodes builds a membership section. localID identifies the node this
// state object lives on, coordinatorID the elected coordinator.
func NewNodes(members []*Node, localID, coordinatorID uint64) *Nodes {
	m := make(map[uint64]*Node, len(members))
	for _, n := range members {
		m[n.ID] = n
	}
	return &Nodes{Members: m, LocalNodeID: localID, CoordinatorID: coordinatorID}
}

// Get returns the node with the given ID, or nil.
func (ns *Nodes) Get(id uint64) *Node {
	if ns == nil {
		return nil
	}
	return ns.Members[id]
}

// Exists reports whether the node is part of this membership.
func (ns *Nodes) Exists(id uint64) bool {
	return ns.Get(id) != nil
}

// Local returns the local node, or nil if membership does not include it.
func (ns *Nodes) Local() *Node {
	return ns.Get(ns.LocalNodeID)
}

// Size returns the number of members.
func (ns *Nodes) Size() int {
	if ns == nil {
		return 0
	}
	return len(ns.Members)
}

// Sorted returns members ordered by node ID. Iteration over the map is
// randomized, so every fan-out or serialization walk goes through here to
// keep behavior deterministic.
func (ns *Nodes) Sorted() []*Node {
	if ns == nil {
		return nil
	}
	out := make([]*Node, 0, len(ns.Members))
	for _, n := range ns.Members {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// equal reports structural equality of two membership sections.
func (ns *Nodes) equal(other *Nodes) bool {
	if ns == nil || other == nil {
		return ns == other
	}
	if ns.LocalNodeID != other.LocalNodeID || ns.CoordinatorID != other.CoordinatorID {
		return false
	}
	if len(ns.Members) != len(other.Members) {
		return false
	}
	for id, a := range ns.Members {
		b, ok := other.Members[id]
		if !ok || !nodeEqual(a, b) {
			return false
		}
	}
	return true
}

func nodeEqual(a, b *Node) bool {
	if a.ID != b.ID || a.Name != b.Name || a.Address != b.Address || a.WireVersion != b.WireVersion {
		return false
	}
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for k, v := range a.Attributes {
		if b.Attributes[k] != v {
			return false
		}
	}
	return true
}
