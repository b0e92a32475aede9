package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordTurn("text", "ok", 2*time.Second)
	m.RecordTurn("text", "ok", time.Second)
	m.RecordTurn("voice", "empty_transcript", time.Second)
	m.RecordSearch("rate_limited")
	m.RecordGenerationFailure("chat")
	m.RecordReply("plain_fallback")
	m.RecordCommand("notes")
	m.RecordUpdates(3)
	m.RecordPollError()
	m.RecordDenied()
	done := m.TurnStarted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("text", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("voice", "empty_transcript")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchesTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.UpdatesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsInFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TurnsInFlight))
	assert.Equal(t, 2, testutil.CollectAndCount(m.TurnDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTurn("text", "ok", time.Second)
	m.RecordSearch("ok")
	m.RecordReply("html")
	m.TurnStarted()()
}

func TestServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordCommand("start")

	srv := httptest.NewServer(NewServer(":0", reg, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), `verabot_commands_total{command="start"} 1`), string(body))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- NewServer("127.0.0.1:0", prometheus.NewRegistry(), nil).Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
