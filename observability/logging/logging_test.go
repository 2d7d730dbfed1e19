package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithOutputRedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOutput("hubd", "test", &buf)
	logger.Info("dial peer failed", "peer", "127.0.0.1:7601", "error", "connection refused")

	var fields map[string]any
	require.NoError(t, json.Unmarshal(lastLine(t, &buf), &fields))
	require.Equal(t, RedactedValue, fields["peer"])
	require.Equal(t, "connection refused", fields["error"])
}

func TestSetupWithOutputLeavesAllowlistedFieldsUnmasked(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOutput("hubd", "test", &buf)
	logger.Info("sync round failed", "reason", "divergence walk timed out")

	var fields map[string]any
	require.NoError(t, json.Unmarshal(lastLine(t, &buf), &fields))
	require.Equal(t, "divergence walk timed out", fields["reason"])
}

func TestSetupWithOutputRenamesStructuralKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOutput("hubd", "prod", &buf)
	logger.Info("gRPC sync surface listening")

	var fields map[string]any
	require.NoError(t, json.Unmarshal(lastLine(t, &buf), &fields))
	require.Contains(t, fields, "timestamp")
	require.Contains(t, fields, "severity")
	require.Contains(t, fields, "message")
	require.Equal(t, "hubd", fields["service"])
	require.Equal(t, "prod", fields["env"])
}

func lastLine(t *testing.T, buf *bytes.Buffer) []byte {
	t.Helper()
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.NotEmpty(t, lines)
	return []byte(lines[len(lines)-1])
}
