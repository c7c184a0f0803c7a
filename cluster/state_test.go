package cluster

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testNode(id uint64, version WireVersion) *Node {
	return &Node{
		ID:          id,
		Name:        "node-" + string(rune('a'+id)),
		Address:     "10.0.0.1:8080",
		WireVersion: version,
		Attributes:  map[string]string{"zone": "us-east-1a"},
	}
}

func testState(version int64) *ClusterState {
	nodes := NewNodes([]*Node{
		testNode(1, CurrentWireVersion),
		testNode(2, WireVersion1),
	}, 1, 1)

	return &ClusterState{
		Term:      3,
		Version:   version,
		StateUUID: NewStateUUID(),
		Nodes:     nodes,
		Custom: map[string]MetadataFragment{
			"settings": &SettingsFragment{Values: map[string]string{"replicas": "2"}},
		},
	}
}

func TestStateRoundTrip(t *testing.T) {
	state := testState(7)
	registry := NewFragmentRegistry()

	var buf bytes.Buffer
	require.NoError(t, state.WriteTo(&buf, CurrentWireVersion))

	decoded, err := ReadState(&buf, registry)
	require.NoError(t, err)
	require.Equal(t, state, decoded)
}

func TestWireVersion1StripsAttributes(t *testing.T) {
	state := testState(7)

	var buf bytes.Buffer
	require.NoError(t, state.WriteTo(&buf, WireVersion1))

	decoded, err := ReadState(&buf, NewFragmentRegistry())
	require.NoError(t, err)

	for _, n := range decoded.Nodes.Sorted() {
		require.Nil(t, n.Attributes)
	}

	// Everything else survives.
	require.Equal(t, state.StateUUID, decoded.StateUUID)
	require.Equal(t, state.Version, decoded.Version)
	require.Equal(t, state.Custom, decoded.Custom)
}

func TestReadStateFailsOnUnregisteredFragment(t *testing.T) {
	state := testState(7)
	state.Custom["mystery"] = &SettingsFragment{Values: map[string]string{"x": "y"}}

	var buf bytes.Buffer
	require.NoError(t, state.WriteTo(&buf, CurrentWireVersion))

	registry := &FragmentRegistry{decoders: map[string]FragmentDecoder{}}
	_, err := ReadState(&buf, registry)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no decoder registered")
}

func TestStateUUIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		uuid := NewStateUUID()
		require.False(t, seen[uuid])
		seen[uuid] = true
	}
}

func TestWireVersionCompatible(t *testing.T) {
	require.True(t, WireVersion1.Compatible())
	require.True(t, CurrentWireVersion.Compatible())
	require.False(t, WireVersion(0).Compatible())
	require.False(t, (CurrentWireVersion + 1).Compatible())
}
