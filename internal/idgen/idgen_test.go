package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIsSortableWithinProcess(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = New()
	}
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i], "ids must sort in call order")
	}
}

func TestNewLength(t *testing.T) {
	id := New()
	require.Len(t, id, 32)
}

func TestPrefixRoundTrip(t *testing.T) {
	id := NewWithPrefix(PrefixEntity)
	require.True(t, len(id) > len(PrefixEntity))

	bare := Strip(id)
	require.Len(t, bare, 32)

	recomposed := WithPrefix(PrefixEntity, bare)
	require.Equal(t, id, recomposed)

	// Stripping an already-bare id is a no-op.
	require.Equal(t, bare, Strip(bare))
}

func TestTimestampRoundTrip(t *testing.T) {
	before := nowMillis()
	id := New()
	ts, err := Timestamp(id)
	require.NoError(t, err)
	require.GreaterOrEqual(t, ts.UnixMilli(), before)
}

func TestTimestampRejectsMalformed(t *testing.T) {
	_, err := Timestamp("not-an-id")
	require.Error(t, err)
}

func TestCounterIncrementsWithinSameMillis(t *testing.T) {
	orig := nowMillis
	defer func() { nowMillis = orig }()
	nowMillis = func() int64 { return 1700000000000 }

	a := New()
	b := New()
	require.NotEqual(t, a, b)
	require.Less(t, a, b)
}
