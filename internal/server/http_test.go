package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/youngfr/commitlog/internal/log"
	"github.com/youngfr/commitlog/internal/metrics"
)

func setupHTTP(t *testing.T) (*httptest.Server, CommitLog) {
	t.Helper()

	clog, err := log.NewLog(t.TempDir(), log.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { clog.Close() })

	instrumented := metrics.Instrument(clog)
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg, clog))

	srv := httptest.NewServer(NewHTTPServer("", instrumented, reg).Handler)
	t.Cleanup(srv.Close)
	return srv, instrumented
}

func TestHTTPServer(t *testing.T) {
	srv, _ := setupHTTP(t)

	// 空日志
	var offsets OffsetsResponse
	getJSON(t, srv.URL+"/offsets", http.StatusOK, &offsets)
	require.True(t, offsets.Empty)

	for i, value := range []string{"first", "second", "third"} {
		body, err := json.Marshal(ProduceRequest{Value: []byte(value)})
		require.NoError(t, err)
		rsp, err := http.Post(srv.URL+"/records", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		var produce ProduceResponse
		require.NoError(t, json.NewDecoder(rsp.Body).Decode(&produce))
		rsp.Body.Close()
		require.Equal(t, http.StatusOK, rsp.StatusCode)
		require.Equal(t, uint64(i), produce.Offset)
	}

	var record Record
	getJSON(t, srv.URL+"/records/1", http.StatusOK, &record)
	require.Equal(t, Record{Value: []byte("second"), Offset: 1}, record)

	getJSON(t, srv.URL+"/records/3", http.StatusNotFound, nil)

	getJSON(t, srv.URL+"/offsets", http.StatusOK, &offsets)
	require.Equal(t, OffsetsResponse{Lowest: 0, Highest: 2}, offsets)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/records?before=2", nil)
	require.NoError(t, err)
	rsp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	rsp.Body.Close()
	require.Equal(t, http.StatusNoContent, rsp.StatusCode)

	getJSON(t, srv.URL+"/records/0", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/offsets", http.StatusOK, &offsets)
	require.Equal(t, OffsetsResponse{Lowest: 2, Highest: 2}, offsets)
}

func TestHTTPServerBadRequest(t *testing.T) {
	srv, _ := setupHTTP(t)

	rsp, err := http.Post(srv.URL+"/records", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	rsp.Body.Close()
	require.Equal(t, http.StatusBadRequest, rsp.StatusCode)
}

func TestHTTPServerMetrics(t *testing.T) {
	srv, cl := setupHTTP(t)

	_, err := cl.Append([]byte("record"))
	require.NoError(t, err)

	rsp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer rsp.Body.Close()
	require.Equal(t, http.StatusOK, rsp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(rsp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "commitlog_highest_offset 0")
}

func getJSON(t *testing.T, url string, code int, v interface{}) {
	t.Helper()

	rsp, err := http.Get(url)
	require.NoError(t, err)
	defer rsp.Body.Close()
	require.Equal(t, code, rsp.StatusCode)
	if v != nil {
		require.NoError(t, json.NewDecoder(rsp.Body).Decode(v))
	}
}
