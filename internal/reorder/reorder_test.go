package reorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInOrderDelivery(t *testing.T) {
	b := New(256)
	var got [][]byte
	deliver := func(p []byte) { got = append(got, p) }

	require.NoError(t, b.Accept(0, []byte("a"), deliver))
	require.NoError(t, b.Accept(1, []byte("b"), deliver))
	require.NoError(t, b.Accept(2, []byte("c"), deliver))

	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, got)
	assert.Equal(t, uint64(3), b.NextSeq())
}

func TestReorderedDelivery(t *testing.T) {
	// S3 scenario: frames 1, 0, 2 arrive out of order; delivery is 0,1,2.
	b := New(256)
	var got [][]byte
	deliver := func(p []byte) { got = append(got, p) }

	require.NoError(t, b.Accept(1, []byte("BB"), deliver))
	assert.Empty(t, got, "out-of-order frame must be buffered, not delivered")

	require.NoError(t, b.Accept(0, []byte("AA"), deliver))
	require.NoError(t, b.Accept(2, []byte("CC"), deliver))

	assert.Equal(t, [][]byte{[]byte("AA"), []byte("BB"), []byte("CC")}, got)
}

func TestReplayIsIdempotent(t *testing.T) {
	// S4 scenario: the poll replays frames 0 and 1 again.
	b := New(256)
	var got [][]byte
	deliver := func(p []byte) { got = append(got, p) }

	require.NoError(t, b.Accept(0, []byte("AA"), deliver))
	require.NoError(t, b.Accept(1, []byte("BB"), deliver))
	require.NoError(t, b.Accept(0, []byte("AA"), deliver))
	require.NoError(t, b.Accept(1, []byte("BB"), deliver))

	assert.Equal(t, [][]byte{[]byte("AA"), []byte("BB")}, got)
	assert.Equal(t, uint64(2), b.NextSeq())
}

func TestOverflowTearsDownStream(t *testing.T) {
	b := New(2)
	deliver := func([]byte) {}

	require.NoError(t, b.Accept(5, []byte("x"), deliver))
	require.NoError(t, b.Accept(6, []byte("y"), deliver))
	err := b.Accept(7, []byte("z"), deliver)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestOverflowAllowsOverwritingDuplicate(t *testing.T) {
	b := New(1)
	deliver := func([]byte) {}

	require.NoError(t, b.Accept(5, []byte("first"), deliver))
	// Re-delivery of the same pending seq must not count as a new slot.
	require.NoError(t, b.Accept(5, []byte("second"), deliver))
}
