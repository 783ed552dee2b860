package group

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterSeenDetectsRepeat(t *testing.T) {
	f := NewFilter(64)
	key := []byte("channel-1|query-5")
	require.False(t, f.Seen(key))
	require.True(t, f.Seen(key))
}

func TestFilterDistinguishesKeys(t *testing.T) {
	f := NewFilter(64)
	require.False(t, f.Seen([]byte("a")))
	require.False(t, f.Seen([]byte("b")))
	require.True(t, f.Seen([]byte("a")))
}

func TestFilterHandlesManyDistinctKeysWithoutPanicking(t *testing.T) {
	f := NewFilter(1024)
	novel := 0
	for i := 0; i < 500; i++ {
		if !f.Seen([]byte(fmt.Sprintf("key-%d", i))) {
			novel++
		}
	}
	require.Greater(t, novel, 400)
}
