package publication

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayloadReleasesExactlyOnce(t *testing.T) {
	released := 0
	p := NewPayload([]byte{1, 2, 3}, PayloadFull, func() { released++ })

	require.True(t, p.TryIncRef())
	require.Equal(t, int32(2), p.Refs())

	require.False(t, p.DecRef())
	require.Equal(t, 0, released)

	require.True(t, p.DecRef())
	require.Equal(t, 1, released)
	require.Equal(t, int32(0), p.Refs())
}

func TestTryIncRefFailsAfterRelease(t *testing.T) {
	p := NewPayload([]byte{1}, PayloadDiff, nil)
	require.True(t, p.DecRef())

	require.False(t, p.TryIncRef())
	require.Panics(t, func() { p.MustIncRef() })
}

func TestDecRefPanicsOnDoubleRelease(t *testing.T) {
	p := NewPayload([]byte{1}, PayloadDiff, nil)
	require.True(t, p.DecRef())
	require.Panics(t, func() { p.DecRef() })
}

func TestPayloadConcurrentRefCounting(t *testing.T) {
	const goroutines = 32
	const iterations = 1000

	released := make(chan struct{})
	p := NewPayload([]byte{1}, PayloadFull, func() { close(released) })

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if p.TryIncRef() {
					p.DecRef()
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-released:
		t.Fatal("payload released while the constructor reference was still held")
	default:
	}

	require.True(t, p.DecRef())
	<-released
}
