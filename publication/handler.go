package publication

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/clusterd/statepub/cluster"
	"github.com/clusterd/statepub/hlc"
	"github.com/clusterd/statepub/telemetry"
)

// TransportHandler is the node-level singleton for cluster state publication.
// On the coordinator it creates publication contexts and sends apply-commit
// messages; on every node (the coordinator included) it receives publish
// payloads, reconstructs the state and forwards it to the acceptance callback
// supplied by the coordination engine.
type TransportHandler struct {
	localNode *cluster.Node
	codec     *Codec
	transport Transport
	registry  *cluster.FragmentRegistry
	clock     *hlc.Clock

	handlePublish PublishHandler
	handleCommit  CommitHandler

	// lastSeen is the most recently applied state, the base for incoming
	// diffs. Updated by compare-and-set so a stale arrival never clobbers a
	// fresher one.
	lastSeen atomic.Pointer[cluster.ClusterState]

	// selfRequest resolves a LOCAL publish payload back to the original,
	// never-serialized request object.
	selfRequest atomic.Pointer[PublishRequest]

	store StateStore // nil when persistence is disabled

	commitDedup *lru.Cache[commitKey, struct{}]

	fullStatesReceived    atomic.Uint64
	incompatibleDiffsRecv atomic.Uint64
	compatibleDiffsRecv   atomic.Uint64
}

type commitKey struct {
	term    uint64
	version int64
}

// HandlerConfig wires the handler's collaborators.
type HandlerConfig struct {
	LocalNode     *cluster.Node
	Codec         *Codec
	Transport     Transport
	Registry      *cluster.FragmentRegistry
	Clock         *hlc.Clock
	HandlePublish PublishHandler
	HandleCommit  CommitHandler

	// Store is optional; when set, accepted states are persisted and the
	// last one is loaded at construction to seed the diff base.
	Store StateStore

	// CommitDedupSize caps the idempotency cache for apply-commit retries.
	// Zero uses a small default.
	CommitDedupSize int
}

// NewTransportHandler creates the handler and, if a store is configured,
// seeds the last-seen state from disk.
func NewTransportHandler(config HandlerConfig) (*TransportHandler, error) {
	dedupSize := config.CommitDedupSize
	if dedupSize <= 0 {
		dedupSize = 128
	}
	dedup, err := lru.New[commitKey, struct{}](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("creating commit dedup cache: %w", err)
	}

	h := &TransportHandler{
		localNode:     config.LocalNode,
		codec:         config.Codec,
		transport:     config.Transport,
		registry:      config.Registry,
		clock:         config.Clock,
		handlePublish: config.HandlePublish,
		handleCommit:  config.HandleCommit,
		store:         config.Store,
		commitDedup:   dedup,
	}

	if h.store != nil {
		state, err := h.store.LoadLastState(h.registry)
		if err != nil {
			return nil, fmt.Errorf("loading persisted cluster state: %w", err)
		}
		if state != nil {
			h.lastSeen.Store(state)
			log.Info().
				Int64("version", state.Version).
				Str("uuid", state.StateUUID).
				Msg("Seeded last-seen cluster state from store")
		}
	}

	return h, nil
}

// Clock returns the handler's hybrid logical clock. The transport layer
// merges incoming request timestamps through it.
func (h *TransportHandler) Clock() *hlc.Clock {
	return h.clock
}

// LocalNode returns the node this handler runs on.
func (h *TransportHandler) LocalNode() *cluster.Node {
	return h.localNode
}

// LastSeenState returns the most recently applied cluster state, or nil.
func (h *TransportHandler) LastSeenState() *cluster.ClusterState {
	return h.lastSeen.Load()
}

// HandlePublishRequest decodes an incoming publish payload, reconstructs the
// state, invokes the acceptance callback and updates the last-seen state.
// This is the receive side of every publish send, the local shortcut included.
func (h *TransportHandler) HandlePublishRequest(ctx context.Context, data []byte) (*PublishWithJoinResponse, error) {
	payloadType, body, err := h.codec.DecodePayload(data)
	if err != nil {
		log.Error().Err(err).Msg("Unexpected error decoding publish payload")
		return nil, err
	}

	switch payloadType {
	case PayloadFull:
		return h.handleFullState(body)
	case PayloadDiff:
		return h.handleDiff(body)
	case PayloadLocal:
		return h.handleLocal(body)
	default:
		// DecodePayload already rejects unknown tags
		return nil, fmt.Errorf("unhandled payload type %s", payloadType)
	}
}

func (h *TransportHandler) handleFullState(body io.Reader) (*PublishWithJoinResponse, error) {
	state, err := cluster.ReadState(body, h.registry)
	if err != nil {
		log.Error().Err(err).Msg("Unexpected error deserializing full cluster state")
		return nil, err
	}

	h.fullStatesReceived.Add(1)
	telemetry.FullStatesReceivedTotal.Inc()
	log.Debug().
		Int64("version", state.Version).
		Str("uuid", state.StateUUID).
		Msg("Received full cluster state")

	resp, err := h.handlePublish(&PublishRequest{State: state})
	if err != nil {
		return nil, err
	}

	// A full state always supersedes whatever diff base was held.
	h.lastSeen.Store(state)
	h.persist(state)
	telemetry.LastAppliedVersion.Set(float64(state.Version))
	return resp, nil
}

func (h *TransportHandler) handleDiff(body io.Reader) (*PublishWithJoinResponse, error) {
	base := h.lastSeen.Load()
	if base == nil {
		h.incompatibleDiffsRecv.Add(1)
		telemetry.DiffsReceivedTotal.With("incompatible").Inc()
		return nil, cluster.NewIncompatibleClusterStateError("have no local cluster state to apply a diff to")
	}

	diff, err := cluster.ReadDiff(body, h.registry)
	if err != nil {
		log.Error().Err(err).Msg("Unexpected error deserializing cluster state diff")
		return nil, err
	}

	state, err := diff.Apply(base)
	if err != nil {
		if cluster.IsIncompatibleClusterState(err) {
			h.incompatibleDiffsRecv.Add(1)
			telemetry.DiffsReceivedTotal.With("incompatible").Inc()
			log.Debug().Err(err).Msg("Incompatible cluster state diff, requesting full state")
			return nil, err
		}
		log.Error().Err(err).Msg("Unexpected error applying cluster state diff")
		return nil, err
	}

	h.compatibleDiffsRecv.Add(1)
	telemetry.DiffsReceivedTotal.With("compatible").Inc()
	log.Debug().
		Int64("version", state.Version).
		Str("uuid", state.StateUUID).
		Msg("Applied cluster state diff")

	resp, err := h.handlePublish(&PublishRequest{State: state, PreviousState: base})
	if err != nil {
		return nil, err
	}

	// CAS from the exact base used for the apply, so a racing fresher update
	// is never regressed by this one.
	if h.lastSeen.CompareAndSwap(base, state) {
		h.persist(state)
		telemetry.LastAppliedVersion.Set(float64(state.Version))
	}
	return resp, nil
}

func (h *TransportHandler) handleLocal(body io.Reader) (*PublishWithJoinResponse, error) {
	uuid, err := ReadLocalUUID(body)
	if err != nil {
		log.Error().Err(err).Msg("Unexpected error reading local publish payload")
		return nil, err
	}

	request := h.selfRequest.Load()
	if request == nil || request.State.StateUUID != uuid {
		// Broken sequencing on the local publish path. Not retriable.
		err := fmt.Errorf("publication to self failed: no pending request for state uuid %s", uuid)
		log.Error().Err(err).Str("uuid", uuid).Msg("BUG: local publish uuid does not match pending self-request")
		return nil, err
	}

	log.Debug().
		Int64("version", request.State.Version).
		Str("uuid", uuid).
		Msg("Received local publish shortcut")

	resp, err := h.handlePublish(request)
	if err != nil {
		return nil, err
	}

	h.lastSeen.Store(request.State)
	h.persist(request.State)
	telemetry.LastAppliedVersion.Set(float64(request.State.Version))
	return resp, nil
}

// HandleApplyCommit forwards a commit marker to the coordination engine.
// Retried deliveries of an already-acked marker are answered without
// re-invoking the callback.
func (h *TransportHandler) HandleApplyCommit(ctx context.Context, req *ApplyCommitRequest) error {
	key := commitKey{term: req.Term, version: req.Version}
	if _, ok := h.commitDedup.Get(key); ok {
		telemetry.CommitsReceivedTotal.With("duplicate").Inc()
		log.Debug().
			Uint64("term", req.Term).
			Int64("version", req.Version).
			Msg("Ignoring duplicate apply-commit")
		return nil
	}

	if err := h.handleCommit(req); err != nil {
		telemetry.CommitsReceivedTotal.With("failed").Inc()
		return err
	}

	h.commitDedup.Add(key, struct{}{})
	telemetry.CommitsReceivedTotal.With("applied").Inc()
	return nil
}

// SendApplyCommit delivers the commit marker to one destination. A thin
// pass-through: no publication-level encoding is involved.
func (h *TransportHandler) SendApplyCommit(ctx context.Context, destination *cluster.Node, req *ApplyCommitRequest, listener CommitResponseListener) {
	h.transport.SendCommit(ctx, destination, req, listener)
}

// PublicationStats is the observability snapshot for this node.
type PublicationStats struct {
	FullStatesReceived     uint64             `json:"full_states_received"`
	IncompatibleDiffsRecv  uint64             `json:"incompatible_diffs_received"`
	CompatibleDiffsRecv    uint64             `json:"compatible_diffs_received"`
	Serialization          SerializationStats `json:"serialization"`
	LastSeenVersion        int64              `json:"last_seen_version"`
	LastSeenUUID           string             `json:"last_seen_uuid"`
}

// Stats returns the current publication counters.
func (h *TransportHandler) Stats() PublicationStats {
	stats := PublicationStats{
		FullStatesReceived:    h.fullStatesReceived.Load(),
		IncompatibleDiffsRecv: h.incompatibleDiffsRecv.Load(),
		CompatibleDiffsRecv:   h.compatibleDiffsRecv.Load(),
		Serialization:         h.codec.Stats(),
	}
	if state := h.lastSeen.Load(); state != nil {
		stats.LastSeenVersion = state.Version
		stats.LastSeenUUID = state.StateUUID
	}
	return stats
}

func (h *TransportHandler) setCurrentPublishRequestToSelf(request *PublishRequest) {
	if previous := h.selfRequest.Swap(request); previous != nil {
		log.Warn().
			Int64("previous_version", previous.State.Version).
			Int64("version", request.State.Version).
			Msg("Overriding in-flight publication to self")
	}
}

func (h *TransportHandler) clearPublishRequestToSelf(request *PublishRequest) {
	h.selfRequest.CompareAndSwap(request, nil)
}

func (h *TransportHandler) persist(state *cluster.ClusterState) {
	if h.store == nil {
		return
	}
	if err := h.store.SaveState(state); err != nil {
		log.Warn().
			Err(err).
			Int64("version", state.Version).
			Msg("Failed to persist accepted cluster state")
	}
}
