package bbr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMinMaxFilter(t *testing.T) {
	t.Run("tracks the maximum across inserts", func(t *testing.T) {
		f := newMinMaxFilter(4)
		f.reset(0, 10)
		f.insert(1, 5)
		f.insert(2, 20)
		f.insert(3, 8)
		require.Equal(t, uint64(20), f.get())
	})

	t.Run("expired samples fall out of the window", func(t *testing.T) {
		f := newMinMaxFilter(3)
		f.reset(0, 100)
		f.insert(1, 10)
		f.insert(2, 5)
		// round 5 is at least windowLen rounds past every earlier
		// sample, so only the round-5 value remains in the window.
		f.insert(5, 1)
		require.Equal(t, uint64(1), f.get())
	})

	t.Run("reset clears prior history", func(t *testing.T) {
		f := newMinMaxFilter(4)
		f.reset(0, 50)
		f.insert(1, 999)
		f.reset(2, 3)
		require.Equal(t, uint64(3), f.get())
	})
}
