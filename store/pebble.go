package store

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/clusterd/statepub/cluster"
)

// Keys under the state keyspace, sorted for efficient iteration
const (
	keyLastState = "/state/last" // most recently accepted full cluster state
)

// StateStore persists the last accepted cluster state in Pebble so a
// restarting node can serve as a diff base without waiting for a full
// publication round.
type StateStore struct {
	db   *pebble.DB
	path string

	// Idempotent close
	closed atomic.Bool
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// NewStateStore opens (or creates) the Pebble database at path.
func NewStateStore(path string) (*StateStore, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	return &StateStore{db: db, path: path}, nil
}

// SaveState overwrites the persisted state. The write is synced: a state
// acknowledged to the coordinator must survive a crash, otherwise the node
// would rejoin claiming a diff base it no longer has.
func (s *StateStore) SaveState(state *cluster.ClusterState) error {
	var buf bytes.Buffer
	if err := state.WriteTo(&buf, cluster.CurrentWireVersion); err != nil {
		return fmt.Errorf("encoding cluster state for persistence: %w", err)
	}

	if err := s.db.Set([]byte(keyLastState), buf.Bytes(), pebble.Sync); err != nil {
		return fmt.Errorf("persisting cluster state: %w", err)
	}

	log.Debug().
		Int64("version", state.Version).
		Str("uuid", state.StateUUID).
		Msg("Persisted cluster state")
	return nil
}

// LoadLastState returns the persisted state, or nil when none was saved yet.
func (s *StateStore) LoadLastState(registry *cluster.FragmentRegistry) (*cluster.ClusterState, error) {
	data, err := s.getValueCopy([]byte(keyLastState))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state, err := cluster.ReadState(bytes.NewReader(data), registry)
	if err != nil {
		return nil, fmt.Errorf("decoding persisted cluster state: %w", err)
	}
	return state, nil
}

// Close closes the Pebble DB (idempotent - safe to call multiple times)
func (s *StateStore) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}
	return s.db.Close()
}

// getValueCopy reads a key and returns a copy of the value
func (s *StateStore) getValueCopy(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}
