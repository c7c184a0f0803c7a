package cluster

import "fmt"

// WireVersion identifies the serialization format a node understands. Each
// destination gets payloads encoded with its own wire version, so mixed-version
// clusters stay publishable during rolling upgrades.
type WireVersion int32

const (
	// WireVersion1 is the initial format. Node attributes are not carried.
	WireVersion1 WireVersion = 1

	// WireVersion2 adds per-node attribute maps.
	WireVersion2 WireVersion = 2

	// CurrentWireVersion is what this build writes by default.
	CurrentWireVersion = WireVersion2

	// MinCompatibleWireVersion is the oldest format this build can read.
	MinCompatibleWireVersion = WireVersion1
)

// Compatible reports whether a payload tagged with v can be decoded by this build.
func (v WireVersion) Compatible() bool {
	return v >= MinCompatibleWireVersion && v <= CurrentWireVersion
}

func (v WireVersion) String() string {
	return fmt.Sprintf("v%d", int32(v))
}
