package ctcp_test

import (
	"testing"

	"github.com/joohan-lee/ctcp-with-bbr/internal/ctcp"
	"github.com/stretchr/testify/require"
)

func TestSegment_MarshalUnmarshal(t *testing.T) {
	t.Run("round trip preserves fields", func(t *testing.T) {
		seg := ctcp.Segment{
			Seqno:  1000,
			Ackno:  2000,
			Flags:  ctcp.FlagACK,
			Window: 4096,
			Data:   []byte("hello cTCP"),
		}
		wire := seg.Marshal()
		require.Len(t, wire, ctcp.HeaderLen+len(seg.Data))

		got, err := ctcp.Unmarshal(wire)
		require.NoError(t, err)
		require.Equal(t, seg.Seqno, got.Seqno)
		require.Equal(t, seg.Ackno, got.Ackno)
		require.Equal(t, seg.Flags, got.Flags)
		require.Equal(t, seg.Window, got.Window)
		require.Equal(t, seg.Data, got.Data)
	})

	t.Run("round trip with empty payload", func(t *testing.T) {
		seg := ctcp.Segment{Seqno: 1, Ackno: 1, Flags: ctcp.FlagACK | ctcp.FlagFIN, Window: 0}
		wire := seg.Marshal()
		require.Len(t, wire, ctcp.HeaderLen)

		got, err := ctcp.Unmarshal(wire)
		require.NoError(t, err)
		require.Empty(t, got.Data)
		require.True(t, got.HasFlag(ctcp.FlagFIN))
	})

	t.Run("rejects short segment", func(t *testing.T) {
		_, err := ctcp.Unmarshal(make([]byte, ctcp.HeaderLen-1))
		require.ErrorIs(t, err, ctcp.ErrShortSegment)
	})

	t.Run("rejects declared length beyond buffer", func(t *testing.T) {
		seg := ctcp.Segment{Seqno: 1, Ackno: 1, Flags: ctcp.FlagACK, Window: 10, Data: []byte("abc")}
		wire := seg.Marshal()
		wire[8], wire[9] = 0xFF, 0xFF // corrupt the declared length field
		_, err := ctcp.Unmarshal(wire)
		require.ErrorIs(t, err, ctcp.ErrBadLength)
	})

	t.Run("rejects corrupted payload checksum", func(t *testing.T) {
		seg := ctcp.Segment{Seqno: 1, Ackno: 1, Flags: ctcp.FlagACK, Window: 10, Data: []byte("abc")}
		wire := seg.Marshal()
		wire[len(wire)-1] ^= 0xFF
		_, err := ctcp.Unmarshal(wire)
		require.ErrorIs(t, err, ctcp.ErrBadChecksum)
	})

	t.Run("panics on oversized payload", func(t *testing.T) {
		seg := ctcp.Segment{Data: make([]byte, ctcp.MaxSegmentData+1)}
		require.Panics(t, func() { seg.Marshal() })
	})
}

func TestSegment_HasFlag(t *testing.T) {
	seg := ctcp.Segment{Flags: ctcp.FlagACK | ctcp.FlagFIN}
	require.True(t, seg.HasFlag(ctcp.FlagACK))
	require.True(t, seg.HasFlag(ctcp.FlagFIN))
	require.False(t, seg.HasFlag(ctcp.FlagSYN))
}
