// Package publication implements cluster state dissemination: the elected
// coordinator serializes each new state once per destination wire version,
// fans out publish requests (full state, diff, or a local shortcut), falls
// back from diff to full state when a receiver cannot apply the diff, and
// applies incoming states on every node.
package publication

import (
	"context"

	"github.com/clusterd/statepub/cluster"
	"github.com/clusterd/statepub/hlc"
)

// PublishRequest carries one new cluster state through a publication round.
// PreviousState is the diff base; it is nil on the first publication after
// bootstrap.
type PublishRequest struct {
	State         *cluster.ClusterState
	PreviousState *cluster.ClusterState
	Timestamp     hlc.Timestamp
}

// PublishResponse acknowledges an accepted state.
type PublishResponse struct {
	Term    uint64 `msgpack:"term"`
	Version int64  `msgpack:"version"`
}

// Join is an optional vote for the coordinator carried on the ack.
type Join struct {
	NodeID uint64 `msgpack:"node_id"`
	Term   uint64 `msgpack:"term"`
}

// PublishWithJoinResponse is the wire response to a publish request.
type PublishWithJoinResponse struct {
	Response PublishResponse `msgpack:"response"`
	Join     *Join           `msgpack:"join,omitempty"`
}

// ApplyCommitRequest marks a previously published state as authoritative.
type ApplyCommitRequest struct {
	SourceNodeID uint64 `msgpack:"source"`
	Term         uint64 `msgpack:"term"`
	Version      int64  `msgpack:"version"`
}

// PublishResponseListener receives the terminal outcome of one publish send.
// Exactly one of the two methods is invoked, exactly once.
type PublishResponseListener interface {
	OnResponse(*PublishWithJoinResponse)
	OnFailure(error)
}

// CommitResponseListener receives the terminal outcome of one commit send.
type CommitResponseListener interface {
	OnResponse()
	OnFailure(error)
}

// Transport sends publication messages to one destination. Implementations
// are asynchronous: Send* returns after scheduling the operation and the
// listener fires later, possibly on a different goroutine. Timeout and
// cancellation policy belongs to the transport, not to this package.
type Transport interface {
	SendPublish(ctx context.Context, destination *cluster.Node, payload []byte, listener PublishResponseListener)
	SendCommit(ctx context.Context, destination *cluster.Node, req *ApplyCommitRequest, listener CommitResponseListener)
}

// PublishHandler is the acceptance callback supplied by the coordination
// engine, invoked synchronously for every decoded publish request.
type PublishHandler func(*PublishRequest) (*PublishWithJoinResponse, error)

// CommitHandler is invoked for every accepted apply-commit request.
type CommitHandler func(*ApplyCommitRequest) error

// StateStore persists the last accepted cluster state across restarts so a
// rejoining node can serve as a diff base immediately.
type StateStore interface {
	SaveState(state *cluster.ClusterState) error
	LoadLastState(registry *cluster.FragmentRegistry) (*cluster.ClusterState, error)
}

type publishListenerFuncs struct {
	onResponse func(*PublishWithJoinResponse)
	onFailure  func(error)
}

func (l publishListenerFuncs) OnResponse(resp *PublishWithJoinResponse) { l.onResponse(resp) }

func (l publishListenerFuncs) OnFailure(err error) { l.onFailure(err) }

// PublishListenerFuncs adapts two funcs into a PublishResponseListener.
func PublishListenerFuncs(onResponse func(*PublishWithJoinResponse), onFailure func(error)) PublishResponseListener {
	return publishListenerFuncs{onResponse: onResponse, onFailure: onFailure}
}

type commitListenerFuncs struct {
	onResponse func()
	onFailure  func(error)
}

func (l commitListenerFuncs) OnResponse() { l.onResponse() }

func (l commitListenerFuncs) OnFailure(err error) { l.onFailure(err) }

// CommitListenerFuncs adapts two funcs into a CommitResponseListener.
func CommitListenerFuncs(onResponse func(), onFailure func(error)) CommitResponseListener {
	return commitListenerFuncs{onResponse: onResponse, onFailure: onFailure}
}
