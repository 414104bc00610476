package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/channel"
	"github.com/zelan-stream/zelan/pkg/config"
	"github.com/zelan-stream/zelan/pkg/fleet"
	"github.com/zelan-stream/zelan/pkg/models"
	"github.com/zelan-stream/zelan/pkg/orchestrator"
	"github.com/zelan-stream/zelan/pkg/sources"
	"github.com/zelan-stream/zelan/pkg/supervisor"
)

type testServer struct {
	bus    *bus.Bus
	server *Server
	http   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	b := bus.New()
	orch := orchestrator.New(b, config.DefaultStreamConfig(), time.Second)
	sup := supervisor.New("server@test", b)
	router := fleet.NewRouter("server@test", sup, nil)
	mgr := channel.NewManager(b, orch.Snapshot, channel.NewDispatcher(router, orch), nil)

	srv := NewServer(Deps{
		Node:        "server@test",
		Orch:        orch,
		Sup:         sup,
		Router:      router,
		Channel:     mgr,
		Transcriber: sources.NewTranscriber(b),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{bus: b, server: srv, http: ts}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var fields map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&fields)
	return resp, fields
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, fields := ts.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"healthy"`, string(fields["status"]))
	assert.JSONEq(t, `"server@test"`, string(fields["node"]))
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))
}

func TestCorrelationIDPropagation(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Correlation-ID", "corr-abc")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "corr-abc", resp.Header.Get("X-Correlation-ID"))
}

func TestStateEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, fields := ts.request(t, http.MethodGet, "/api/v1/state", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var show string
	require.NoError(t, json.Unmarshal(fields["current_show"], &show))
	assert.Equal(t, models.DefaultShow, show)
}

func TestAlertEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.request(t, http.MethodPost, "/api/v1/alerts",
		map[string]any{"type": "alert", "data": map[string]any{"kind": "follow"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodDelete, "/api/v1/alerts/some-id", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestPushAlertRejectsBadJSON(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/api/v1/alerts",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProcessEndpoints(t *testing.T) {
	ts := newTestServer(t)

	add := fleet.AddProcessRequest{ID: "web", Spec: models.ProcessSpec{Command: "/bin/true"}}
	resp, _ := ts.request(t, http.MethodPost, "/api/v1/processes", add)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, fields := ts.request(t, http.MethodPost, "/api/v1/processes", add)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.JSONEq(t, `"already_exists"`, string(fields["error"]))

	resp, fields = ts.request(t, http.MethodGet, "/api/v1/processes/web", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"stopped"`, string(fields["state"]))

	resp, fields = ts.request(t, http.MethodGet, "/api/v1/processes/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `"not_found"`, string(fields["error"]))

	resp, _ = ts.request(t, http.MethodDelete, "/api/v1/processes/web", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, fields = ts.request(t, http.MethodPost, "/api/v1/processes/web/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `"not_found"`, string(fields["error"]))
}

func TestListProcesses(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"b", "a"} {
		resp, _ := ts.request(t, http.MethodPost, "/api/v1/processes",
			fleet.AddProcessRequest{ID: id, Spec: models.ProcessSpec{Command: "/bin/true"}})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err := http.Get(ts.http.URL + "/api/v1/processes")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []models.ProcessStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
}

func TestClusterStatusLocalOnly(t *testing.T) {
	ts := newTestServer(t)
	resp, fields := ts.request(t, http.MethodGet, "/api/v1/cluster/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var nodes map[string][]models.ProcessStatus
	require.NoError(t, json.Unmarshal(fields["nodes"], &nodes))
	assert.Contains(t, nodes, "server@test")
}

func TestEventsWithoutStore(t *testing.T) {
	ts := newTestServer(t)
	resp, fields := ts.request(t, http.MethodGet, "/api/v1/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `"unavailable"`, string(fields["error"]))
}

func TestOverlaySocketDeliversSnapshot(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/socket"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame struct {
		T     string             `json:"t"`
		State models.StreamState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "snapshot", frame.T)
	assert.Equal(t, models.DefaultShow, frame.State.CurrentShow)
}

func TestAudioIngestFeedsTranscriber(t *testing.T) {
	ts := newTestServer(t)
	sub := ts.bus.Subscribe(models.EventTranscriptText)
	defer sub.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ingest/audio"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	msg := `{"text":"testing one two","source_name":"Desk Mic"}`
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))

	select {
	case env := <-sub.C():
		p := env.Payload.(*models.TranscriptTextPayload)
		assert.Equal(t, "testing one two", p.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for transcript.text")
	}
}
