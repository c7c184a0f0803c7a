package notify

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/clusterd/statepub/encoding"
)

// CommitEvent is broadcast after a published cluster state version has been
// committed locally. External consumers (dashboards, config watchers) can
// follow cluster metadata without speaking the publication protocol.
type CommitEvent struct {
	NodeID    uint64 `msgpack:"n"`
	Term      uint64 `msgpack:"tm"`
	Version   int64  `msgpack:"v"`
	StateUUID string `msgpack:"u"`
	UnixMilli int64  `msgpack:"ts"`
}

// Notifier publishes commit events to a NATS subject. Publishing is
// best-effort: a failed publish is logged and dropped, never propagated back
// into the commit path.
type Notifier struct {
	nc      *nats.Conn
	subject string
	nodeID  uint64
}

// NewNotifier connects to the NATS server at url. The connection retries in
// the background, so a NATS outage does not block node startup.
func NewNotifier(url, subject string, nodeID uint64) (*Notifier, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().
		Str("url", url).
		Str("subject", subject).
		Msg("Commit notifier connected")
	return &Notifier{nc: nc, subject: subject, nodeID: nodeID}, nil
}

// NotifyCommit publishes one commit event.
func (n *Notifier) NotifyCommit(term uint64, version int64, stateUUID string) {
	event := CommitEvent{
		NodeID:    n.nodeID,
		Term:      term,
		Version:   version,
		StateUUID: stateUUID,
		UnixMilli: time.Now().UnixMilli(),
	}

	data, err := encoding.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode commit event")
		return
	}

	if err := n.nc.Publish(n.subject, data); err != nil {
		log.Warn().
			Err(err).
			Int64("version", version).
			Msg("Failed to publish commit event")
	}
}

// Close releases the NATS connection
func (n *Notifier) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}
