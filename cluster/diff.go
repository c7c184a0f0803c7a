package cluster

import (
	"fmt"
	"io"

	"github.com/clusterd/statepub/encoding"
)

// StateDiff is the delta transform between two cluster states. A diff is
// applicable only to the exact state identified by FromUUID; applying it to
// any other base fails with IncompatibleClusterStateError.
type StateDiff struct {
	FromUUID  string
	ToUUID    string
	Term      uint64
	ToVersion int64

	// Nodes is nil when membership did not change between the two states.
	Nodes *Nodes

	Updated map[string]MetadataFragment
	Deleted []string
}

// Diff computes the delta that turns previous into s.
func (s *ClusterState) Diff(previous *ClusterState) (*StateDiff, error) {
	d := &StateDiff{
		FromUUID:  previous.StateUUID,
		ToUUID:    s.StateUUID,
		Term:      s.Term,
		ToVersion: s.Version,
	}

	if !s.Nodes.equal(previous.Nodes) {
		d.Nodes = s.Nodes
	}

	for name, frag := range s.Custom {
		prev, ok := previous.Custom[name]
		if ok {
			same, err := fragmentsEqual(frag, prev)
			if err != nil {
				return nil, fmt.Errorf("diff fragment %q: %w", name, err)
			}
			if same {
				continue
			}
		}
		if d.Updated == nil {
			d.Updated = make(map[string]MetadataFragment)
		}
		d.Updated[name] = frag
	}

	for name := range previous.Custom {
		if _, ok := s.Custom[name]; !ok {
			d.Deleted = append(d.Deleted, name)
		}
	}

	return d, nil
}

// Apply produces the new state from the exact base this diff was computed
// against. The base is validated by UUID, not version, so a state that was
// rebuilt at the same version but with different content still rejects the diff.
func (d *StateDiff) Apply(base *ClusterState) (*ClusterState, error) {
	if base.StateUUID != d.FromUUID {
		return nil, NewIncompatibleClusterStateError(
			"diff expects base uuid %s, have %s (version %d)", d.FromUUID, base.StateUUID, base.Version)
	}

	nodes := base.Nodes
	if d.Nodes != nil {
		nodes = d.Nodes
	}

	var custom map[string]MetadataFragment
	if len(base.Custom) > 0 || len(d.Updated) > 0 {
		custom = make(map[string]MetadataFragment, len(base.Custom)+len(d.Updated))
		for name, frag := range base.Custom {
			custom[name] = frag
		}
		for _, name := range d.Deleted {
			delete(custom, name)
		}
		for name, frag := range d.Updated {
			custom[name] = frag
		}
		if len(custom) == 0 {
			custom = nil
		}
	}

	return &ClusterState{
		Term:      d.Term,
		Version:   d.ToVersion,
		StateUUID: d.ToUUID,
		Nodes:     nodes,
		Custom:    custom,
	}, nil
}

// wireDiff is the msgpack shape of a diff on the wire.
type wireDiff struct {
	FromUUID  string            `msgpack:"from"`
	ToUUID    string            `msgpack:"to"`
	Term      uint64            `msgpack:"term"`
	ToVersion int64             `msgpack:"version"`
	Nodes     *Nodes            `msgpack:"nodes,omitempty"`
	Updated   map[string][]byte `msgpack:"updated,omitempty"`
	Deleted   []string          `msgpack:"deleted,omitempty"`
}

// WriteTo serializes the diff for a destination speaking the given wire version.
func (d *StateDiff) WriteTo(w io.Writer, dest WireVersion) error {
	updated, err := encodeFragments(d.Updated)
	if err != nil {
		return err
	}

	wd := wireDiff{
		FromUUID:  d.FromUUID,
		ToUUID:    d.ToUUID,
		Term:      d.Term,
		ToVersion: d.ToVersion,
		Nodes:     nodesForWire(d.Nodes, dest),
		Updated:   updated,
		Deleted:   d.Deleted,
	}
	return encoding.MarshalTo(w, &wd)
}

// ReadDiff reconstructs a diff, decoding updated fragments through the
// supplied registry.
func ReadDiff(r io.Reader, registry *FragmentRegistry) (*StateDiff, error) {
	var wd wireDiff
	if err := encoding.UnmarshalFrom(r, &wd); err != nil {
		return nil, fmt.Errorf("decode cluster state diff: %w", err)
	}

	updated, err := decodeFragments(wd.Updated, registry)
	if err != nil {
		return nil, err
	}

	return &StateDiff{
		FromUUID:  wd.FromUUID,
		ToUUID:    wd.ToUUID,
		Term:      wd.Term,
		ToVersion: wd.ToVersion,
		Nodes:     wd.Nodes,
		Updated:   updated,
		Deleted:   wd.Deleted,
	}, nil
}
