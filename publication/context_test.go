package publication

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterd/statepub/cluster"
)

func ctxTestNode(id uint64, wv cluster.WireVersion) *cluster.Node {
	return &cluster.Node{
		ID:          id,
		Name:        "node",
		Address:     "10.0.0.1:8080",
		WireVersion: wv,
		Attributes:  map[string]string{"zone": "us-east-1a"},
	}
}

func ctxTestState(term uint64, version int64, nodes ...*cluster.Node) *cluster.ClusterState {
	return &cluster.ClusterState{
		Term:      term,
		Version:   version,
		StateUUID: cluster.NewStateUUID(),
		Nodes:     cluster.NewNodes(nodes, 1, 1),
		Custom: map[string]cluster.MetadataFragment{
			"settings": &cluster.SettingsFragment{Values: map[string]string{"replicas": "2"}},
		},
	}
}

// Three-node round: the local node takes the LOCAL shortcut, a node present in
// the previous state gets a DIFF, and a freshly joined node gets a FULL state.
// The diff destination then rejects the diff and must receive exactly one
// fallback full state for its own wire version.
func TestPublicationRoutingWithDiffFallback(t *testing.T) {
	self := ctxTestNode(1, cluster.CurrentWireVersion)
	known := ctxTestNode(2, cluster.WireVersion1)
	joined := ctxTestNode(3, cluster.WireVersion2)

	previous := ctxTestState(2, 5, self, known)
	state := ctxTestState(2, 6, self, known, joined)

	ft := &fakeTransport{}
	h := newTestHandler(t, self, ft, nil)

	ft.onPublish = func(send *recordedPublish) {
		switch {
		case send.destination.ID == self.ID:
			resp, err := h.HandlePublishRequest(context.Background(), send.payload)
			if err != nil {
				send.listener.OnFailure(err)
				return
			}
			send.listener.OnResponse(resp)
		case send.payloadType() == PayloadDiff:
			send.listener.OnFailure(cluster.NewIncompatibleClusterStateError("unknown diff base %s", "stale"))
		default:
			send.listener.OnResponse(&PublishWithJoinResponse{
				Response: PublishResponse{Term: state.Term, Version: state.Version},
			})
		}
	}

	pc, err := h.NewPublicationContext(&PublishRequest{State: state, PreviousState: previous}, false)
	require.NoError(t, err)

	require.Len(t, pc.serializedDiffs, 1)
	require.Contains(t, pc.serializedDiffs, cluster.WireVersion1)
	require.Len(t, pc.serializedStates, 1)
	require.Contains(t, pc.serializedStates, cluster.WireVersion2)

	outcomes := map[uint64]*publishOutcome{}
	for _, node := range []*cluster.Node{self, known, joined} {
		outcome := &publishOutcome{}
		outcomes[node.ID] = outcome
		pc.SendPublishRequest(context.Background(), node, outcome.listener())
	}

	for _, outcome := range outcomes {
		outcome.requireSuccess(t)
	}

	selfSends := ft.publishesTo(self.ID)
	require.Len(t, selfSends, 1)
	require.Equal(t, PayloadLocal, selfSends[0].payloadType())

	knownSends := ft.publishesTo(known.ID)
	require.Len(t, knownSends, 2)
	require.Equal(t, PayloadDiff, knownSends[0].payloadType())
	require.Equal(t, PayloadFull, knownSends[1].payloadType())

	joinedSends := ft.publishesTo(joined.ID)
	require.Len(t, joinedSends, 1)
	require.Equal(t, PayloadFull, joinedSends[0].payloadType())

	// The fallback populated the missing full-state entry for the diff
	// destination's wire version.
	require.Contains(t, pc.serializedStates, cluster.WireVersion1)

	pc.DecRef()
	for _, payload := range pc.serializedStates {
		require.Equal(t, int32(0), payload.Refs())
	}
	for _, payload := range pc.serializedDiffs {
		require.Equal(t, int32(0), payload.Refs())
	}
}

func TestPublicationForcesFullStates(t *testing.T) {
	self := ctxTestNode(1, cluster.CurrentWireVersion)
	known := ctxTestNode(2, cluster.WireVersion1)

	previous := ctxTestState(2, 5, self, known)
	state := ctxTestState(2, 6, self, known)

	ft := &fakeTransport{
		onPublish: func(send *recordedPublish) {
			send.listener.OnResponse(&PublishWithJoinResponse{})
		},
	}
	h := newTestHandler(t, self, ft, nil)

	pc, err := h.NewPublicationContext(&PublishRequest{State: state, PreviousState: previous}, true)
	require.NoError(t, err)
	defer pc.DecRef()

	require.Empty(t, pc.serializedDiffs)

	outcome := &publishOutcome{}
	pc.SendPublishRequest(context.Background(), known, outcome.listener())
	outcome.requireSuccess(t)

	sends := ft.publishesTo(known.ID)
	require.Len(t, sends, 1)
	require.Equal(t, PayloadFull, sends[0].payloadType())
}

func TestPublicationWithoutPreviousStateSendsFull(t *testing.T) {
	self := ctxTestNode(1, cluster.CurrentWireVersion)
	known := ctxTestNode(2, cluster.CurrentWireVersion)
	state := ctxTestState(1, 1, self, known)

	ft := &fakeTransport{}
	h := newTestHandler(t, self, ft, nil)

	pc, err := h.NewPublicationContext(&PublishRequest{State: state}, false)
	require.NoError(t, err)
	defer pc.DecRef()

	require.True(t, pc.sendFullVersion)
	require.Empty(t, pc.serializedDiffs)
	require.Contains(t, pc.serializedStates, cluster.CurrentWireVersion)
}

type unserializableFragment struct {
	Ch chan int
}

func (f *unserializableFragment) FragmentName() string { return "bad" }

func TestPublicationContextBuildFailureReleasesPayloads(t *testing.T) {
	self := ctxTestNode(1, cluster.CurrentWireVersion)
	known := ctxTestNode(2, cluster.CurrentWireVersion)

	state := ctxTestState(1, 1, self, known)
	state.Custom["bad"] = &unserializableFragment{Ch: make(chan int)}

	h := newTestHandler(t, self, &fakeTransport{}, nil)

	pc, err := h.NewPublicationContext(&PublishRequest{State: state}, false)
	require.Error(t, err)
	require.Nil(t, pc)
}

// An ordinary transport failure on the diff path must not trigger the full
// state fallback; it is forwarded to the listener as-is.
func TestDiffFailureWithoutIncompatibilityForwards(t *testing.T) {
	self := ctxTestNode(1, cluster.CurrentWireVersion)
	known := ctxTestNode(2, cluster.CurrentWireVersion)

	previous := ctxTestState(2, 5, self, known)
	state := ctxTestState(2, 6, self, known)

	transportErr := errors.New("connection reset")
	ft := &fakeTransport{
		onPublish: func(send *recordedPublish) {
			send.listener.OnFailure(transportErr)
		},
	}
	h := newTestHandler(t, self, ft, nil)

	pc, err := h.NewPublicationContext(&PublishRequest{State: state, PreviousState: previous}, false)
	require.NoError(t, err)
	defer pc.DecRef()

	outcome := &publishOutcome{}
	pc.SendPublishRequest(context.Background(), known, outcome.listener())
	require.ErrorIs(t, outcome.requireFailure(t), transportErr)

	require.Len(t, ft.publishesTo(known.ID), 1)
}

// The in-flight diff send keeps the cached payloads alive even after the
// caller has dropped its context reference, so a late incompatibility report
// can still fall back to a full state.
func TestDiffInFlightKeepsContextAlive(t *testing.T) {
	self := ctxTestNode(1, cluster.CurrentWireVersion)
	known := ctxTestNode(2, cluster.CurrentWireVersion)

	previous := ctxTestState(2, 5, self, known)
	state := ctxTestState(2, 6, self, known)

	ft := &fakeTransport{}
	h := newTestHandler(t, self, ft, nil)

	pc, err := h.NewPublicationContext(&PublishRequest{State: state, PreviousState: previous}, false)
	require.NoError(t, err)

	outcome := &publishOutcome{}
	pc.SendPublishRequest(context.Background(), known, outcome.listener())

	// Caller moves on while the diff response is still outstanding.
	pc.DecRef()

	sends := ft.publishesTo(known.ID)
	require.Len(t, sends, 1)
	require.Equal(t, PayloadDiff, sends[0].payloadType())

	// Late rejection: the fallback must still find (or build) a live payload.
	ft.onPublish = func(send *recordedPublish) {
		send.listener.OnResponse(&PublishWithJoinResponse{})
	}
	sends[0].listener.OnFailure(cluster.NewIncompatibleClusterStateError("unknown diff base"))

	outcome.requireSuccess(t)

	sends = ft.publishesTo(known.ID)
	require.Len(t, sends, 2)
	require.Equal(t, PayloadFull, sends[1].payloadType())

	for _, payload := range pc.serializedStates {
		require.Equal(t, int32(0), payload.Refs())
	}
	for _, payload := range pc.serializedDiffs {
		require.Equal(t, int32(0), payload.Refs())
	}
}
