// Package hlc implements a Hybrid Logical Clock used to stamp publish
// requests so that causality between publication rounds is trackable across
// nodes even with skewed wall clocks.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Clock is a Hybrid Logical Clock. Safe for concurrent use.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	mu       sync.Mutex
}

// Timestamp represents a point in time across the cluster.
type Timestamp struct {
	WallTime int64  `msgpack:"w"`
	Logical  int32  `msgpack:"l"`
	NodeID   uint64 `msgpack:"n"`
}

// NewClock creates a new HLC instance for the given node.
func NewClock(nodeID uint64) *Clock {
	return &Clock{
		nodeID:   nodeID,
		wallTime: time.Now().UnixNano(),
	}
}

// Now generates a new timestamp for a local event.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
		c.logical = 0
	} else {
		c.logical++
	}

	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Update merges a timestamp received from a remote node into the clock and
// returns the updated local time. The result is strictly greater than both
// the previous local time and the remote timestamp.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()

	switch {
	case physicalNow > c.wallTime && physicalNow > remote.WallTime:
		c.wallTime = physicalNow
		c.logical = 0
	case remote.WallTime > c.wallTime:
		c.wallTime = remote.WallTime
		c.logical = remote.Logical + 1
	case remote.WallTime == c.wallTime && remote.Logical > c.logical:
		c.logical = remote.Logical + 1
	default:
		c.logical++
	}

	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b. Node ID breaks ties.
func Compare(a, b Timestamp) int {
	if a.WallTime != b.WallTime {
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	}
	if a.Logical != b.Logical {
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	}
	if a.NodeID != b.NodeID {
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// Less returns true if a happened before b.
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// PhysicalTime returns the wall-clock component as time.Time.
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%d", t.WallTime, t.Logical, t.NodeID)
}
