package sync

import (
	"fmt"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/revsync/vcs"
)

func TestCache_MarksAreIndependent(t *testing.T) {
	c := NewCache()
	assert.False(t, c.IsRemoteConfirmed("a"))
	assert.False(t, c.IsLocalConfirmed("a"))

	c.MarkRemoteConfirmed("a")
	assert.True(t, c.IsRemoteConfirmed("a"))
	assert.False(t, c.IsLocalConfirmed("a"))

	c.MarkLocalConfirmed("b")
	assert.True(t, c.IsLocalConfirmed("b"))
	assert.False(t, c.IsRemoteConfirmed("b"))
	assert.Equal(t, 2, c.Len())
}

func TestCache_RetainRemote(t *testing.T) {
	c := NewCache()
	c.MarkRemoteConfirmed("kept")
	c.MarkRemoteConfirmed("stale")
	c.MarkLocalConfirmed("stale")

	c.RetainRemote(vcs.NewIDSet("kept"))

	assert.True(t, c.IsRemoteConfirmed("kept"))
	assert.False(t, c.IsRemoteConfirmed("stale"))
	assert.True(t, c.IsLocalConfirmed("stale"), "local flag survives")
	assert.Equal(t, []string{"kept"}, c.RemoteConfirmed().Sorted())
}

func TestCache_Reset(t *testing.T) {
	c := NewCache()
	c.MarkRemoteConfirmed("a")
	c.Reset()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.IsRemoteConfirmed("a"))
}

func TestCache_ConcurrentUse(t *testing.T) {
	c := NewCache()
	var wg gosync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("%d-%d", w, i)
				c.MarkRemoteConfirmed(id)
				c.MarkLocalConfirmed(id)
				_ = c.IsRemoteConfirmed(id)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 1600, c.Len())
}
