package publication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/clusterd/statepub/cluster"
	"github.com/clusterd/statepub/telemetry"
)

// PublicationContext amortizes serialization across all recipients of one
// state-change event: payloads are built once per distinct destination wire
// version, then each destination is served LOCAL, FULL or DIFF, with a
// fallback full-state send when a receiver reports it cannot apply the diff.
//
// The context is reference counted. The caller owns one reference for the
// overall fan-out; each in-flight diff send holds one more so the cached full
// state is still available for the fallback even if the caller has already
// dropped its reference. The cached payloads are released when the count
// reaches zero.
type PublicationContext struct {
	handler         *TransportHandler
	request         *PublishRequest
	discoveryNodes  *cluster.Nodes
	sendFullVersion bool

	// cacheMu guards both maps after construction; the diff fallback path may
	// populate missing full-state entries concurrently with other sends.
	cacheMu          sync.Mutex
	serializedStates map[cluster.WireVersion]*Payload
	serializedDiffs  map[cluster.WireVersion]*Payload

	refs   atomic.Int32
	closed atomic.Bool
}

// NewPublicationContext builds the per-round context and eagerly serializes
// every needed payload. Construction either fully succeeds or releases every
// already-built payload and returns the serialization error. sendFullVersion
// forces full-state payloads for every remote destination, used when state
// persistence is disabled or on the first publication after bootstrap.
func (h *TransportHandler) NewPublicationContext(request *PublishRequest, sendFullVersion bool) (*PublicationContext, error) {
	pc := &PublicationContext{
		handler:          h,
		request:          request,
		discoveryNodes:   request.State.Nodes,
		sendFullVersion:  sendFullVersion || request.PreviousState == nil,
		serializedStates: make(map[cluster.WireVersion]*Payload),
		serializedDiffs:  make(map[cluster.WireVersion]*Payload),
	}
	pc.refs.Store(1)

	if err := pc.buildDiffAndSerializeStates(); err != nil {
		pc.releasePayloads()
		return nil, err
	}
	return pc, nil
}

// buildDiffAndSerializeStates decides FULL vs DIFF for every remote
// destination and populates the per-wire-version caches. The diff object
// itself is computed at most once, shared by all diff-needing destinations.
func (pc *PublicationContext) buildDiffAndSerializeStates() error {
	var diff *cluster.StateDiff

	for _, node := range pc.discoveryNodes.Sorted() {
		if node.ID == pc.handler.localNode.ID {
			continue
		}

		if pc.sendsFullTo(node) {
			if _, ok := pc.serializedStates[node.WireVersion]; ok {
				continue
			}
			payload, err := pc.handler.codec.SerializeFullState(pc.request.State, node)
			if err != nil {
				return err
			}
			pc.serializedStates[node.WireVersion] = payload
			continue
		}

		if _, ok := pc.serializedDiffs[node.WireVersion]; ok {
			continue
		}
		if diff == nil {
			var err error
			diff, err = pc.request.State.Diff(pc.request.PreviousState)
			if err != nil {
				return fmt.Errorf("computing cluster state diff: %w", err)
			}
		}
		payload, err := pc.handler.codec.SerializeDiff(diff, node)
		if err != nil {
			return err
		}
		pc.serializedDiffs[node.WireVersion] = payload
	}

	return nil
}

// sendsFullTo reports whether the destination must get a full state rather
// than a diff: either full states are forced for this round, or the node was
// not part of the previous state and has no base to apply a diff to.
func (pc *PublicationContext) sendsFullTo(node *cluster.Node) bool {
	return pc.sendFullVersion || !pc.request.PreviousState.HasNode(node.ID)
}

// SendPublishRequest delivers the state to one destination. The listener
// fires exactly once, after the diff fallback (if any) has run its course.
func (pc *PublicationContext) SendPublishRequest(ctx context.Context, destination *cluster.Node, listener PublishResponseListener) {
	listener = notifyOnce(destination, listener)

	if destination.ID == pc.handler.localNode.ID {
		pc.sendLocalRequest(ctx, destination, listener)
		return
	}

	if pc.sendsFullTo(destination) {
		pc.sendFullState(ctx, destination, listener)
		return
	}

	pc.sendDiff(ctx, destination, listener)
}

// sendLocalRequest publishes to the local node without serializing the state:
// only the state UUID goes through the transport, and the receive side
// resolves it back to the original request object.
func (pc *PublicationContext) sendLocalRequest(ctx context.Context, destination *cluster.Node, listener PublishResponseListener) {
	payload, err := pc.handler.codec.SerializeLocal(pc.request.State.StateUUID)
	if err != nil {
		listener.OnFailure(err)
		return
	}

	pc.handler.setCurrentPublishRequestToSelf(pc.request)
	telemetry.PublishesSentTotal.With("local").Inc()

	cleared := PublishListenerFuncs(
		func(resp *PublishWithJoinResponse) {
			pc.handler.clearPublishRequestToSelf(pc.request)
			listener.OnResponse(resp)
		},
		func(err error) {
			pc.handler.clearPublishRequestToSelf(pc.request)
			listener.OnFailure(err)
		},
	)
	pc.sendPayload(ctx, destination, payload, cleared)
	payload.DecRef() // constructor reference; the in-flight send holds its own
}

// sendFullState sends the cached full-state payload for the destination's
// wire version, serializing and caching it first if the diff path got here
// via fallback and no full payload was prepared for that version.
func (pc *PublicationContext) sendFullState(ctx context.Context, destination *cluster.Node, listener PublishResponseListener) {
	payload, err := pc.fullStatePayload(destination)
	if err != nil {
		listener.OnFailure(err)
		return
	}

	telemetry.PublishesSentTotal.With("full").Inc()
	pc.sendPayload(ctx, destination, payload, listener)
}

// sendDiff sends the cached diff payload, holding an extra context reference
// for the duration so the full-state fallback still has live payloads even if
// the caller releases the context meanwhile.
func (pc *PublicationContext) sendDiff(ctx context.Context, destination *cluster.Node, listener PublishResponseListener) {
	pc.cacheMu.Lock()
	payload := pc.serializedDiffs[destination.WireVersion]
	pc.cacheMu.Unlock()
	if payload == nil {
		listener.OnFailure(fmt.Errorf("no serialized diff for wire version %s of %s", destination.WireVersion, destination))
		return
	}

	pc.IncRef()
	released := PublishListenerFuncs(
		func(resp *PublishWithJoinResponse) {
			pc.DecRef()
			listener.OnResponse(resp)
		},
		func(err error) {
			defer pc.DecRef()
			if !cluster.IsIncompatibleClusterState(err) {
				listener.OnFailure(err)
				return
			}
			log.Info().
				Err(err).
				Uint64("node_id", destination.ID).
				Int64("version", pc.request.State.Version).
				Msg("Destination could not apply diff, resending full cluster state")
			telemetry.PublishFallbacksTotal.Inc()
			pc.sendFullState(ctx, destination, listener)
		},
	)

	telemetry.PublishesSentTotal.With("diff").Inc()
	pc.sendPayload(ctx, destination, payload, released)
}

// fullStatePayload returns (building on demand) the full-state payload for
// the destination's wire version.
func (pc *PublicationContext) fullStatePayload(destination *cluster.Node) (*Payload, error) {
	pc.cacheMu.Lock()
	defer pc.cacheMu.Unlock()

	if payload, ok := pc.serializedStates[destination.WireVersion]; ok {
		return payload, nil
	}

	payload, err := pc.handler.codec.SerializeFullState(pc.request.State, destination)
	if err != nil {
		return nil, err
	}
	pc.serializedStates[destination.WireVersion] = payload
	return payload, nil
}

// sendPayload pins the payload for the duration of the asynchronous send.
// The payload reference is dropped on either terminal outcome, before the
// listener runs, so listener panics cannot leak buffers.
func (pc *PublicationContext) sendPayload(ctx context.Context, destination *cluster.Node, payload *Payload, listener PublishResponseListener) {
	if !payload.TryIncRef() {
		listener.OnFailure(fmt.Errorf("serialized payload for %s already released", destination))
		return
	}

	pc.handler.transport.SendPublish(ctx, destination, payload.Bytes(), PublishListenerFuncs(
		func(resp *PublishWithJoinResponse) {
			payload.DecRef()
			listener.OnResponse(resp)
		},
		func(err error) {
			payload.DecRef()
			listener.OnFailure(err)
		},
	))
}

// IncRef acquires an additional reference on the context.
func (pc *PublicationContext) IncRef() {
	if pc.refs.Add(1) <= 1 {
		panic("IncRef on released publication context")
	}
}

// DecRef drops one reference; the last drop releases every cached payload.
func (pc *PublicationContext) DecRef() {
	remaining := pc.refs.Add(-1)
	if remaining < 0 {
		panic(fmt.Sprintf("publication context refcount went negative: %d", remaining))
	}
	if remaining == 0 {
		pc.releasePayloads()
	}
}

func (pc *PublicationContext) releasePayloads() {
	if !pc.closed.CompareAndSwap(false, true) {
		return
	}

	pc.cacheMu.Lock()
	defer pc.cacheMu.Unlock()
	for _, payload := range pc.serializedStates {
		payload.DecRef()
	}
	for _, payload := range pc.serializedDiffs {
		payload.DecRef()
	}
}

// notifyOnce guards the exactly-once listener contract per destination.
func notifyOnce(destination *cluster.Node, listener PublishResponseListener) PublishResponseListener {
	var done atomic.Bool
	return PublishListenerFuncs(
		func(resp *PublishWithJoinResponse) {
			if done.CompareAndSwap(false, true) {
				listener.OnResponse(resp)
			} else {
				log.Error().Uint64("node_id", destination.ID).Msg("BUG: publish listener completed twice")
			}
		},
		func(err error) {
			if done.CompareAndSwap(false, true) {
				listener.OnFailure(err)
			} else {
				log.Error().Uint64("node_id", destination.ID).Err(err).Msg("BUG: publish listener completed twice")
			}
		},
	)
}
