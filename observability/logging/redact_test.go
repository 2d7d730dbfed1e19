package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsAllowlistedIsCaseAndSpaceInsensitive(t *testing.T) {
	require.True(t, IsAllowlisted(" Service "))
	require.True(t, IsAllowlisted("ERROR"))
	require.False(t, IsAllowlisted("peer"))
}

func TestRedactionAllowlistIsSortedAndStable(t *testing.T) {
	keys := RedactionAllowlist()
	require.Contains(t, keys, "service")
	require.Contains(t, keys, "reason")
	for i := 1; i < len(keys); i++ {
		require.LessOrEqual(t, keys[i-1], keys[i])
	}
}

func TestMaskValueLeavesEmptyValuesAlone(t *testing.T) {
	require.Equal(t, "", MaskValue(""))
	require.Equal(t, RedactedValue, MaskValue("127.0.0.1:7601"))
}

func TestMaskFieldHonorsAllowlist(t *testing.T) {
	require.Equal(t, "connection refused", MaskField("error", "connection refused").Value.String())
	require.Equal(t, RedactedValue, MaskField("address", "127.0.0.1:7601").Value.String())
}

func TestIsSensitive(t *testing.T) {
	require.True(t, IsSensitive("peer"))
	require.True(t, IsSensitive("Address"))
	require.False(t, IsSensitive("reason"))
}
