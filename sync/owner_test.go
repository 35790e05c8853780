package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventLoop_RunsInOrder(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Post(func() { got = append(got, i) })
	}
	loop.Flush()

	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEventLoop_CloseDrainsQueue(t *testing.T) {
	loop := NewEventLoop()
	ran := 0
	for i := 0; i < 10; i++ {
		loop.Post(func() { ran++ })
	}
	loop.Close()
	assert.Equal(t, 10, ran)

	loop.Post(func() { ran++ })
	loop.Flush()
	loop.Close()
	assert.Equal(t, 10, ran, "posts after close are dropped")
}

func TestOwnerFuncs_NilFieldsIgnored(t *testing.T) {
	var o Owner = OwnerFuncs{}
	o.OnFetchPhaseComplete()
	o.OnSyncDone(true)
	o.OnSyncFailed([]string{"x"})

	var done []bool
	o = OwnerFuncs{SyncDone: func(noop bool) { done = append(done, noop) }}
	o.OnSyncDone(false)
	assert.Equal(t, []bool{false}, done)
}
