package status

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickwire/internal/metrics"
)

func get(t *testing.T, h http.Handler, method, path string) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	res := rec.Result()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(b)
}

func TestHandler_StatusPage(t *testing.T) {
	h, err := Handler(func() Data {
		return Data{
			Version:     "0.1.0",
			RunID:       "run-x",
			PeersOnline: 1,
			Servers: []ServerRow{
				{Name: "kcp", Addr: "[::]:7777", Connections: 1},
				{Name: "ws", Connections: 0},
			},
			Peers: []PeerRow{
				{Server: "kcp", ID: 1, Remote: "10.0.0.1:5000", Uptime: "3s", BytesIn: 10, BytesOut: 10},
			},
		}
	}, nil)
	require.NoError(t, err)

	res, body := get(t, h, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Contains(t, body, "tickwire 0.1.0")
	assert.Contains(t, body, "peers online: 1")
	assert.Contains(t, body, "server kcp: 1 connections on [::]:7777")
	assert.Contains(t, body, "server ws: 0 connections\n")
	assert.Contains(t, body, "kcp#1 10.0.0.1:5000 up 3s in 10B out 10B")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0B"},
		{1023, "1023B"},
		{2048, "2.0KiB"},
		{3 << 20, "3.0MiB"},
		{5 << 30, "5.0GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.n), "n=%d", tt.n)
	}
}

func TestHandler_RejectsOtherPathsAndMethods(t *testing.T) {
	h, err := Handler(nil, nil)
	require.NoError(t, err)

	res, _ := get(t, h, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = get(t, h, http.MethodPost, "/")
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	assert.Equal(t, "GET, HEAD", res.Header.Get("Allow"))
}

func TestHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	m.Connections("kcp", 3)

	h, err := Handler(nil, reg)
	require.NoError(t, err)
	res, body := get(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `tickwire_server_connections{server="kcp"} 3`)
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New("", nil, nil)
	assert.Error(t, err)
}
