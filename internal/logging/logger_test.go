package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogger_WritesJSONLine(t *testing.T) {
	l := &Logger{enabled: true}
	path := filepath.Join(t.TempDir(), "invoke.log")
	require.NoError(t, l.SetOutput(path))
	defer l.Close()

	l.Log(&InvocationLog{RequestID: "r1", FunctionID: "sum", Tier: "code", DurationMs: 12, Success: true})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var entry InvocationLog
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	require.Equal(t, "r1", entry.RequestID)
	require.Equal(t, "sum", entry.FunctionID)
	require.Equal(t, "code", entry.Tier)
	require.True(t, entry.Success)
}

func TestLogger_DisabledSkipsWrite(t *testing.T) {
	l := &Logger{enabled: false, console: false}
	path := filepath.Join(t.TempDir(), "invoke.log")
	require.NoError(t, l.SetOutput(path))
	defer l.Close()

	l.Log(&InvocationLog{RequestID: "r2", FunctionID: "sum", Tier: "code"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data)
}
