package packetlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wire.ndjson")
	l, err := New(path, "run-test")
	require.NoError(t, err)

	l.Log(Record{Type: "connected", Server: "kcp", ConnID: 1, Remote: "127.0.0.1:5000"})
	l.Log(Record{Type: "data", Direction: "in", Server: "kcp", ConnID: 1, Lane: "reliable", Length: 5})
	require.NoError(t, l.Close())
	l.Log(Record{Type: "dropped"})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var recs []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		recs = append(recs, r)
	}
	require.Len(t, recs, 2)
	assert.Equal(t, "run-test", recs[0].RunID)
	assert.NotEmpty(t, recs[0].Timestamp)
	assert.Equal(t, "connected", recs[0].Type)
	assert.Equal(t, 5, recs[1].Length)
	assert.Equal(t, "reliable", recs[1].Lane)
}

func TestLogger_NilIsSafe(t *testing.T) {
	var l *Logger
	l.Log(Record{Type: "x"})
	assert.NoError(t, l.Close())
}

func TestMakeRunID(t *testing.T) {
	a, b := MakeRunID(), MakeRunID()
	assert.True(t, strings.HasPrefix(a, "run-"))
	assert.NotEqual(t, a, b)
}

func TestResetLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "wire.ndjson")
	require.NoError(t, ResetLogFile(path))
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))
	require.NoError(t, ResetLogFile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, b)
	assert.NoError(t, ResetLogFile(""))
}
