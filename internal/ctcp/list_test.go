package ctcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seqSeg(seqno uint32) *outstandingSegment {
	return &outstandingSegment{segment: Segment{Seqno: seqno}}
}

func TestSegmentList_InsertInOrder(t *testing.T) {
	t.Run("maintains ascending order regardless of insert order", func(t *testing.T) {
		l := newSegmentList()
		for _, seq := range []uint32{50, 10, 30, 40, 20} {
			_, ok := l.InsertInOrder(seqSeg(seq))
			require.True(t, ok)
		}
		require.Equal(t, 5, l.Len())

		var got []uint32
		l.Each(func(seg *outstandingSegment) { got = append(got, seg.segment.Seqno) })
		require.Equal(t, []uint32{10, 20, 30, 40, 50}, got)
	})

	t.Run("rejects duplicate seqno", func(t *testing.T) {
		l := newSegmentList()
		_, ok := l.InsertInOrder(seqSeg(10))
		require.True(t, ok)
		_, ok = l.InsertInOrder(seqSeg(10))
		require.False(t, ok)
		require.Equal(t, 1, l.Len())
	})
}

func TestSegmentList_DrainAcked(t *testing.T) {
	l := newSegmentList()
	l.PushBack(&outstandingSegment{segment: Segment{Seqno: 0, Data: []byte("aaaa")}})
	l.PushBack(&outstandingSegment{segment: Segment{Seqno: 4, Data: []byte("bbbb")}})
	l.PushBack(&outstandingSegment{segment: Segment{Seqno: 8, Data: []byte("cc")}})

	drained, freed := l.DrainAcked(8)
	require.Len(t, drained, 2)
	require.Equal(t, 8, freed)
	require.Equal(t, 1, l.Len())
	require.Equal(t, uint32(8), l.Front().segment.Seqno)
}

func TestSegmentList_FindAndRemove(t *testing.T) {
	l := newSegmentList()
	l.PushBack(seqSeg(1))
	l.PushBack(seqSeg(2))
	l.PushBack(seqSeg(3))

	e := l.Find(2)
	require.NotNil(t, e)
	l.Remove(e)
	require.Equal(t, 2, l.Len())
	require.Nil(t, l.Find(2))
}

func TestSegmentList_Each(t *testing.T) {
	l := newSegmentList()
	l.PushBack(seqSeg(1))
	l.PushBack(seqSeg(2))

	l.Each(func(seg *outstandingSegment) { seg.transmissions++ })

	var got []int
	l.Each(func(seg *outstandingSegment) { got = append(got, seg.transmissions) })
	require.Equal(t, []int{1, 1}, got)
}
