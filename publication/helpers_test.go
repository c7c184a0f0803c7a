package publication

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterd/statepub/cluster"
	"github.com/clusterd/statepub/hlc"
)

// recordedPublish is one captured SendPublish call.
type recordedPublish struct {
	destination *cluster.Node
	payload     []byte
	listener    PublishResponseListener
}

func (r *recordedPublish) payloadType() PayloadType {
	return PayloadType(r.payload[0])
}

// recordedCommit is one captured SendCommit call.
type recordedCommit struct {
	destination *cluster.Node
	request     *ApplyCommitRequest
	listener    CommitResponseListener
}

// fakeTransport records sends and optionally responds synchronously.
type fakeTransport struct {
	mu        sync.Mutex
	publishes []*recordedPublish
	commits   []*recordedCommit
	onPublish func(*recordedPublish)
	onCommit  func(*recordedCommit)
}

func (ft *fakeTransport) SendPublish(ctx context.Context, destination *cluster.Node, payload []byte, listener PublishResponseListener) {
	send := &recordedPublish{
		destination: destination,
		payload:     append([]byte(nil), payload...),
		listener:    listener,
	}
	ft.mu.Lock()
	ft.publishes = append(ft.publishes, send)
	responder := ft.onPublish
	ft.mu.Unlock()

	if responder != nil {
		responder(send)
	}
}

func (ft *fakeTransport) SendCommit(ctx context.Context, destination *cluster.Node, req *ApplyCommitRequest, listener CommitResponseListener) {
	send := &recordedCommit{destination: destination, request: req, listener: listener}
	ft.mu.Lock()
	ft.commits = append(ft.commits, send)
	responder := ft.onCommit
	ft.mu.Unlock()

	if responder != nil {
		responder(send)
	}
}

func (ft *fakeTransport) publishesTo(nodeID uint64) []*recordedPublish {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*recordedPublish
	for _, send := range ft.publishes {
		if send.destination.ID == nodeID {
			out = append(out, send)
		}
	}
	return out
}

// acceptAll is an acceptance callback that acks every state.
func acceptAll(req *PublishRequest) (*PublishWithJoinResponse, error) {
	return &PublishWithJoinResponse{
		Response: PublishResponse{Term: req.State.Term, Version: req.State.Version},
	}, nil
}

func newTestHandler(t *testing.T, localNode *cluster.Node, transport Transport, accept PublishHandler) *TransportHandler {
	t.Helper()
	if accept == nil {
		accept = acceptAll
	}
	h, err := NewTransportHandler(HandlerConfig{
		LocalNode:     localNode,
		Codec:         newTestCodec(),
		Transport:     transport,
		Registry:      cluster.NewFragmentRegistry(),
		Clock:         hlc.NewClock(localNode.ID),
		HandlePublish: accept,
		HandleCommit:  func(*ApplyCommitRequest) error { return nil },
	})
	require.NoError(t, err)
	return h
}

// publishOutcome records the terminal result of one publish listener.
type publishOutcome struct {
	mu       sync.Mutex
	resp     *PublishWithJoinResponse
	err      error
	complete int
}

func (o *publishOutcome) listener() PublishResponseListener {
	return PublishListenerFuncs(
		func(resp *PublishWithJoinResponse) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.resp = resp
			o.complete++
		},
		func(err error) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.err = err
			o.complete++
		},
	)
}

func (o *publishOutcome) requireSuccess(t *testing.T) *PublishWithJoinResponse {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.Equal(t, 1, o.complete, "listener must complete exactly once")
	require.NoError(t, o.err)
	require.NotNil(t, o.resp)
	return o.resp
}

func (o *publishOutcome) requireFailure(t *testing.T) error {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.Equal(t, 1, o.complete, "listener must complete exactly once")
	require.Error(t, o.err)
	return o.err
}
