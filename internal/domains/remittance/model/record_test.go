package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCode(t *testing.T) {
	code, err := ParseCode("0xa1b2")
	require.NoError(t, err)
	require.Equal(t, Code{0xa1, 0xb2}, code)
	require.Equal(t, "0xa1b2000000000000", code.String())

	code, err = ParseCode("abc")
	require.NoError(t, err)
	require.Equal(t, Code{0x0a, 0xbc}, code)

	for _, raw := range []string{"", "0x", "zz", "0x112233445566778899"} {
		_, err := ParseCode(raw)
		require.ErrorIs(t, err, ErrInvalidCode, raw)
	}
}

func TestNewCodeRoundTrips(t *testing.T) {
	code, err := NewCode()
	require.NoError(t, err)
	require.False(t, code.IsZero())
	parsed, err := ParseCode(code.String())
	require.NoError(t, err)
	require.Equal(t, code, parsed)
}

func TestStatusRanks(t *testing.T) {
	require.Less(t, StatusAdding.Rank(), StatusAdded.Rank())
	require.Equal(t, StatusCollecting.Rank(), StatusReturning.Rank())
	require.Equal(t, StatusCollected.Rank(), StatusReturned.Rank())
	require.True(t, StatusReturned.Terminal())
	require.False(t, StatusAdded.Optimistic())

	for _, s := range AllStatuses {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var parsed Status
		require.NoError(t, parsed.UnmarshalText(text))
		require.Equal(t, s, parsed)
	}
	_, err := ParseStatus("Pending")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCloneIsDeep(t *testing.T) {
	rec, _ := apply(t, collectedEvent(), addedEvent(100, 5, 50))
	clone := rec.Clone()
	clone.Value.SetInt64(1)
	clone.AgentCode[0] = 0xff
	require.Equal(t, int64(100), rec.Value.Int64())
	require.Equal(t, byte(0xa1), rec.AgentCode[0])
}
