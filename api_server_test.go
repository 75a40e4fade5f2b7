package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/vizctl/vizstate"
)

type apiFixture struct {
	server   *APIServer
	pipeline *vizstate.Pipeline
	backend  *vizstate.MemoryBackend
	hub      *StateHub
}

func newAPIFixture(t *testing.T, mutate func(*Config)) *apiFixture {
	t.Helper()
	return newAPIFixtureWith(t, vizstate.NewSimulatedService(), mutate)
}

func newAPIFixtureWith(t *testing.T, sim *vizstate.SimulatedService, mutate func(*Config)) *apiFixture {
	t.Helper()
	config := DefaultConfig()
	config.Remote.Simulate = true
	if mutate != nil {
		mutate(config)
	}

	p := vizstate.NewPipeline(vizstate.NewCache(), sim)
	require.NoError(t, p.Refresh(context.Background()))
	backend := vizstate.NewMemoryBackend()
	hub := NewStateHub(nil)
	p.AddObserver(hub)

	return &apiFixture{
		server:   NewAPIServer(config, p, vizstate.NewProfileStore(backend, p), hub, nil, nil),
		pipeline: p,
		backend:  backend,
		hub:      hub,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func TestAPIState(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap vizstate.Snapshot
	decodeBody(t, rec, &snap)
	assert.Equal(t, 127.0, *snap.Params.GlobalBrightness)
	assert.Equal(t, vizstate.DefaultFilterBank(), snap.Filter)

	rec = f.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPISetParam(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/params/period?wait=true", `{"value":12.7}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp MutationResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "confirmed", resp.Mutation.State)
	assert.Equal(t, "period", resp.Mutation.Target)
	require.NotNil(t, resp.State)
	assert.Equal(t, 12.0, *resp.State.Params.Period)

	rec = f.do(t, http.MethodPost, "/api/params/gbr", `{"value":50}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Equal(t, 50.0, *resp.State.Params.GlobalBrightness)
	f.pipeline.Drain()
}

func TestAPISetParamErrors(t *testing.T) {
	f := newAPIFixture(t, nil)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/params/brightness", `{"value":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/params/gbr", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/params/gbr", `{"value":`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/params", `{}`).Code)
}

func TestAPISetParams(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/params?wait=true", `{"gbr":3,"sync":0.5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp MultiMutationResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Mutations, 2)
	for _, m := range resp.Mutations {
		assert.Equal(t, "confirmed", m.State)
	}
	assert.Equal(t, 3.0, *resp.State.Params.GlobalBrightness)
	assert.Equal(t, 0.5, *resp.State.Params.Sync)
}

func TestAPIFilter(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/filter", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all FilterResponse
	decodeBody(t, rec, &all)
	assert.Len(t, all.Levels, 4)
	assert.Equal(t, vizstate.ChannelAmp, all.Levels[0].Channel)
	assert.InDelta(t, 1.0, all.Levels[0].Gain, 1e-9)
	assert.InDelta(t, 1.25, all.Levels[0].Tao, 1e-9)

	rec = f.do(t, http.MethodPost, "/api/filter/amp/0?wait=true", `{"attribute":"gain","value":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/filter/amp/0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var level FilterLevelResponse
	decodeBody(t, rec, &level)
	assert.InDelta(t, 2.0, level.Gain, 1e-9)
	assert.InDelta(t, 1.25, level.Tao, 1e-9)
	assert.InDelta(t, 1.6, level.Coefficients[0], 1e-9)

	// Slider coordinate 3 is tao 9
	rec = f.do(t, http.MethodPost, "/api/filter/diff/0?wait=true", `{"attribute":"tao","value":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view, err := f.pipeline.Cache().FilterBank().View(vizstate.ChannelDiff, 0)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, view.Tao, 1e-9)
	assert.InDelta(t, 3.0, view.SliderCoord, 1e-9)
}

func TestAPIFilterErrors(t *testing.T) {
	f := newAPIFixture(t, nil)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/filter/gain/0", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/filter/amp/9", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/filter/amp/0", `{"attribute":"width","value":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/filter/amp/0", `{"attribute":"gain"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/filter/amp/9", `{"attribute":"gain","value":1}`).Code)

	// |tao| < 1 is rejected by the display
	rec := f.do(t, http.MethodPost, "/api/filter/amp/0?wait=true", `{"attribute":"tao","value":0.5}`)
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	var resp MutationResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "failed", resp.Mutation.State)
	assert.NotEmpty(t, resp.Mutation.Error)
	assert.Equal(t, vizstate.DefaultFilterBank().Amp, resp.State.Filter.Amp)
}

func TestAPIRawFilter(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/filter/diff?wait=true", `{"raw":[0.3,0.7]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, vizstate.Levels{{0.3, 0.7}}, f.pipeline.Cache().FilterBank().Diff)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/filter/gain", `{"raw":[1,0]}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/filter/amp", `{"raw":[1,0,1]}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/filter/amp", `{"raw":[]}`).Code)
}

func TestAPIProfiles(t *testing.T) {
	f := newAPIFixture(t, nil)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/profiles/default", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/profiles/default/load", "").Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/profiles/default/save", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/profiles/night/save", "").Code)

	rec := f.do(t, http.MethodGet, "/api/profiles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ProfileListResponse
	decodeBody(t, rec, &list)
	assert.Equal(t, []ProfileInfo{
		{Name: "", Key: "profile", Default: true},
		{Name: "night", Key: "profile.night"},
	}, list.Profiles)

	rec = f.do(t, http.MethodPost, "/api/params/gbr?wait=true", `{"value":5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/profiles/night/load", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var snap vizstate.Snapshot
	decodeBody(t, rec, &snap)
	assert.Equal(t, 127.0, *snap.Params.GlobalBrightness)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/profiles/night", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/profiles/night", "").Code)

	require.NoError(t, f.backend.Put(context.Background(), "profile.bad", "not json"))
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/api/profiles/bad/load", "").Code)
}

func TestAPILocalInstancesWithoutDiscovery(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/instances/local", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"instances":[]}`, rec.Body.String())
}

func TestAPIMiddleware(t *testing.T) {
	f := newAPIFixture(t, func(c *Config) {
		c.Server.EnableCORS = true
		c.Server.EnableGzip = true
	})

	rec := f.do(t, http.MethodOptions, "/api/state", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	var snap vizstate.Snapshot
	require.NoError(t, json.NewDecoder(zr).Decode(&snap))
	assert.Equal(t, 127.0, *snap.Params.GlobalBrightness)
}

func TestAPIMetricsEndpoint(t *testing.T) {
	config := DefaultConfig()
	config.Remote.Simulate = true
	config.Prometheus.Enabled = true
	metrics := NewPrometheusMetrics()

	p := vizstate.NewPipeline(vizstate.NewCache(), vizstate.NewSimulatedService())
	p.AddObserver(metrics)
	require.NoError(t, p.SetParameter(vizstate.FieldGain, 4).Wait(context.Background()))

	s := NewAPIServer(config, p, vizstate.NewProfileStore(vizstate.NewMemoryBackend(), p), NewStateHub(metrics), metrics, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vizctl_mutations_started_total")
}

func TestAPIWebSocket(t *testing.T) {
	f := newAPIFixture(t, nil)
	srv := httptest.NewServer(f.server.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() HubMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg HubMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	assert.Equal(t, "state", first.Type)
	require.NotNil(t, first.State)

	require.NoError(t, conn.WriteJSON(WSCommand{Type: "set_param", Field: "alpha", Value: vizstate.Float(0.25)}))
	for {
		msg := read()
		if msg.Type != "mutation_settled" {
			continue
		}
		require.NotNil(t, msg.Mutation)
		assert.Equal(t, "alpha", msg.Mutation.Target)
		assert.Equal(t, "confirmed", msg.Mutation.State)
		assert.Equal(t, 0.25, *msg.State.Params.Alpha)
		break
	}

	require.NoError(t, conn.WriteJSON(WSCommand{Type: "set_param", Field: "nope", Value: vizstate.Float(1)}))
	msg := read()
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "nope")
}

func TestAPIWebSocketHubCloseDuringCommand(t *testing.T) {
	sim := vizstate.NewSimulatedService()
	sim.Latency = 300 * time.Millisecond
	f := newAPIFixtureWith(t, sim, nil)
	srv := httptest.NewServer(f.server.router)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
		require.NoError(t, err)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var first HubMessage
		require.NoError(t, conn.ReadJSON(&first))
		assert.Equal(t, "state", first.Type)

		// The refresh is still waiting on the display when the hub closes
		require.NoError(t, conn.WriteJSON(WSCommand{Type: "refresh"}))
		time.Sleep(30 * time.Millisecond)
		f.hub.Close()

		// The handler drops the connection once its subscription is gone
		for {
			var msg HubMessage
			if err := conn.ReadJSON(&msg); err != nil {
				break
			}
		}
		conn.Close()
	}

	// Let the in-flight refreshes finish and reach their reply
	time.Sleep(2 * sim.Latency)
}
