package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeen(t *testing.T) {
	w := New(time.Hour)
	assert.False(t, w.Seen("creature:1"))
	assert.True(t, w.Seen("creature:1"))
	assert.False(t, w.Seen("creature:1:iv"))
	assert.Equal(t, 2, w.Len())
}

func TestSeenExpires(t *testing.T) {
	w := New(20 * time.Millisecond)
	w.Start()
	defer w.Stop()

	require.False(t, w.Seen("raid:gym:1:0"))
	require.Eventually(t, func() bool {
		return !w.Seen("raid:gym:1:0")
	}, time.Second, 5*time.Millisecond)
}
