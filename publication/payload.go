package publication

import (
	"fmt"
	"sync/atomic"
)

// Payload is an immutable serialized buffer with an explicit reference count.
// The context cache holds one long-lived reference; every in-flight send
// holds one more for its duration. The release hook runs exactly once, when
// the last reference is dropped.
type Payload struct {
	data        []byte
	payloadType PayloadType
	refs        atomic.Int32
	onRelease   func()
}

// NewPayload creates a payload with one reference owned by the caller.
// onRelease may be nil.
func NewPayload(data []byte, payloadType PayloadType, onRelease func()) *Payload {
	p := &Payload{data: data, payloadType: payloadType, onRelease: onRelease}
	p.refs.Store(1)
	return p
}

// TryIncRef acquires a reference unless the payload has already been
// released. Returns false if the buffer is gone.
func (p *Payload) TryIncRef() bool {
	for {
		current := p.refs.Load()
		if current <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// MustIncRef acquires a reference and panics if the payload was already
// released. Used where holding a live reference is a precondition.
func (p *Payload) MustIncRef() {
	if !p.TryIncRef() {
		panic("IncRef on released payload")
	}
}

// DecRef drops one reference and returns true if this call released the
// buffer. Dropping more references than were acquired panics: that is a
// double-release bug, not a runtime condition.
func (p *Payload) DecRef() bool {
	remaining := p.refs.Add(-1)
	if remaining < 0 {
		panic(fmt.Sprintf("payload refcount went negative: %d", remaining))
	}
	if remaining == 0 {
		if p.onRelease != nil {
			p.onRelease()
		}
		return true
	}
	return false
}

// Refs returns the current reference count. Zero means released.
func (p *Payload) Refs() int32 {
	return p.refs.Load()
}

// Bytes returns the serialized buffer. The caller must hold a reference.
func (p *Payload) Bytes() []byte {
	return p.data
}

// Type returns the payload's encoding tag.
func (p *Payload) Type() PayloadType {
	return p.payloadType
}

// Len returns the serialized size in bytes.
func (p *Payload) Len() int {
	return len(p.data)
}
