package cluster

import (
	"fmt"
	"sync"

	"github.com/clusterd/statepub/encoding"
)

// MetadataFragment is one named, opaque section of cluster state metadata.
// Fragments are registered by the embedding application; this subsystem only
// needs to carry and round-trip them.
type MetadataFragment interface {
	FragmentName() string
}

// FragmentDecoder reconstructs a fragment from its msgpack encoding.
type FragmentDecoder func(data []byte) (MetadataFragment, error)

// FragmentRegistry maps fragment names to decoders. The registry is supplied
// by the embedding application; decoding a state that carries an unregistered
// fragment name is an error.
type FragmentRegistry struct {
	mu       sync.RWMutex
	decoders map[string]FragmentDecoder
}

// NewFragmentRegistry creates an empty registry with the built-in settings
// fragment pre-registered.
func NewFragmentRegistry() *FragmentRegistry {
	r := &FragmentRegistry{decoders: make(map[string]FragmentDecoder)}
	r.Register(settingsFragmentName, decodeSettingsFragment)
	return r
}

// Register installs a decoder for the given fragment name. Re-registration
// replaces the previous decoder.
func (r *FragmentRegistry) Register(name string, dec FragmentDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = dec
}

// Decode reconstructs the named fragment from raw bytes.
func (r *FragmentRegistry) Decode(name string, data []byte) (MetadataFragment, error) {
	r.mu.RLock()
	dec, ok := r.decoders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no decoder registered for fragment %q", name)
	}
	return dec(data)
}

const settingsFragmentName = "settings"

// SettingsFragment is the built-in key/value settings section.
type SettingsFragment struct {
	Values map[string]string `msgpack:"values"`
}

// FragmentName implements MetadataFragment.
func (f *SettingsFragment) FragmentName() string {
	return settingsFragmentName
}

func decodeSettingsFragment(data []byte) (MetadataFragment, error) {
	var f SettingsFragment
	if err := encoding.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode settings fragment: %w", err)
	}
	return &f, nil
}
