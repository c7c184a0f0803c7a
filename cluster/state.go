// Package cluster holds the versioned cluster state model that the
// publication subsystem disseminates: membership, named metadata fragments,
// and the diff transform between two states.
package cluster

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/clusterd/statepub/encoding"
)

// ClusterState is the versioned, globally-agreed document disseminated by the
// coordinator. Version numbers are non-decreasing on any single node's
// observed sequence; a state is identified by its (Version, StateUUID) pair.
type ClusterState struct {
	Term      uint64
	Version   int64
	StateUUID string
	Nodes     *Nodes
	Custom    map[string]MetadataFragment
}

// NewStateUUID generates a random 16-byte identifier, base64url encoded.
func NewStateUUID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// HasNode reports whether the given node is part of this state's membership.
func (s *ClusterState) HasNode(id uint64) bool {
	return s.Nodes.Exists(id)
}

func (s *ClusterState) String() string {
	return fmt.Sprintf("cluster state [term %d, version %d, uuid %s, %d nodes]",
		s.Term, s.Version, s.StateUUID, s.Nodes.Size())
}

// wireState is the msgpack shape of a full state on the wire. Custom
// fragments travel as raw bytes so receivers decode them through their own
// registry.
type wireState struct {
	Term      uint64            `msgpack:"term"`
	Version   int64             `msgpack:"version"`
	StateUUID string            `msgpack:"uuid"`
	Nodes     *Nodes            `msgpack:"nodes"`
	Custom    map[string][]byte `msgpack:"custom,omitempty"`
}

// WriteTo serializes the state for a destination speaking the given wire
// version. Versions before WireVersion2 do not understand node attributes, so
// those are stripped rather than sent.
func (s *ClusterState) WriteTo(w io.Writer, dest WireVersion) error {
	custom, err := encodeFragments(s.Custom)
	if err != nil {
		return err
	}

	ws := wireState{
		Term:      s.Term,
		Version:   s.Version,
		StateUUID: s.StateUUID,
		Nodes:     nodesForWire(s.Nodes, dest),
		Custom:    custom,
	}
	return encoding.MarshalTo(w, &ws)
}

// ReadState reconstructs a full state, decoding custom fragments through the
// supplied registry.
func ReadState(r io.Reader, registry *FragmentRegistry) (*ClusterState, error) {
	var ws wireState
	if err := encoding.UnmarshalFrom(r, &ws); err != nil {
		return nil, fmt.Errorf("decode cluster state: %w", err)
	}

	custom, err := decodeFragments(ws.Custom, registry)
	if err != nil {
		return nil, err
	}

	return &ClusterState{
		Term:      ws.Term,
		Version:   ws.Version,
		StateUUID: ws.StateUUID,
		Nodes:     ws.Nodes,
		Custom:    custom,
	}, nil
}

func encodeFragments(fragments map[string]MetadataFragment) (map[string][]byte, error) {
	if len(fragments) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(fragments))
	for name, frag := range fragments {
		data, err := encoding.Marshal(frag)
		if err != nil {
			return nil, fmt.Errorf("encode fragment %q: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

func decodeFragments(raw map[string][]byte, registry *FragmentRegistry) (map[string]MetadataFragment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]MetadataFragment, len(raw))
	for name, data := range raw {
		frag, err := registry.Decode(name, data)
		if err != nil {
			return nil, err
		}
		out[name] = frag
	}
	return out, nil
}

// nodesForWire strips sections the destination cannot decode.
func nodesForWire(ns *Nodes, dest WireVersion) *Nodes {
	if ns == nil || dest >= WireVersion2 {
		return ns
	}
	members := make(map[uint64]*Node, len(ns.Members))
	for id, n := range ns.Members {
		clone := *n
		clone.Attributes = nil
		members[id] = &clone
	}
	return &Nodes{Members: members, LocalNodeID: ns.LocalNodeID, CoordinatorID: ns.CoordinatorID}
}

// fragmentsEqual compares two fragments by their canonical encoding.
func fragmentsEqual(a, b MetadataFragment) (bool, error) {
	ab, err := encoding.Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := encoding.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
