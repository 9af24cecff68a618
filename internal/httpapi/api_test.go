package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/hiveplane/hiveplane/internal/agents"
	"github.com/hiveplane/hiveplane/internal/registry"
	"github.com/hiveplane/hiveplane/internal/runtime"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/streaming"
)

type apiEnv struct {
	srv   *httptest.Server
	rt    *runtime.Runtime
	store *store.Store
}

func newAPIEnv(t *testing.T, authSecret string) *apiEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zaptest.NewLogger(t)
	st, err := store.Open(store.Config{DSN: filepath.Join(t.TempDir(), "api.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	agents.RegisterBuiltins(reg)

	launcher := &runtime.InProcLauncher{
		Registry:    reg,
		Store:       st,
		Redis:       rdb,
		WorkdirBase: t.TempDir(),
		Logger:      zap.NewNop(),
	}
	rt := runtime.New(runtime.Config{WorkdirBase: t.TempDir()}, st, rdb, reg, streaming.NewManager(64), launcher, logger)
	t.Cleanup(rt.Close)

	srv := httptest.NewServer(NewServer(rt, st, authSecret, logger).Handler())
	t.Cleanup(srv.Close)
	return &apiEnv{srv: srv, rt: rt, store: st}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSpawnAndGetAgent(t *testing.T) {
	e := newAPIEnv(t, "")

	resp := e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"impl": "taskrunner",
		"goal": "index shard 1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[store.AgentRecord](t, resp)
	assert.True(t, strings.HasPrefix(rec.ID, "taskrunner-"))
	assert.Equal(t, store.StatusIdle, rec.Status)

	resp = e.do(t, http.MethodGet, "/api/v1/agents/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[store.AgentRecord](t, resp)
	assert.Equal(t, "index shard 1", got.Goal)
}

func TestGetUnknownAgent(t *testing.T) {
	e := newAPIEnv(t, "")
	resp := e.do(t, http.MethodGet, "/api/v1/agents/ghost-00000000", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSpawnValidation(t *testing.T) {
	e := newAPIEnv(t, "")

	resp := e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"goal": "no impl"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"impl": "ghost"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSpawnHierarchyViolation(t *testing.T) {
	e := newAPIEnv(t, "")

	resp := e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"impl": "coordinator", "goal": "g"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	coord := decode[store.AgentRecord](t, resp)

	// The coordinator may not parent a taskrunner directly.
	resp = e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"impl": "taskrunner", "goal": "g", "parent_id": coord.ID,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSteerEndpoint(t *testing.T) {
	e := newAPIEnv(t, "")

	// A long-running worker so the steer lands while it is alive.
	resp := e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"impl": "taskrunner", "goal": "g", "auto_start": true,
		"config": map[string]any{"steps": 1000, "step_delay_ms": 20},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[store.AgentRecord](t, resp)

	resp = e.do(t, http.MethodPost, "/api/v1/agents/"+rec.ID+"/steer", map[string]any{
		"context": "use the small index",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]bool](t, resp)
	assert.True(t, out["delivered"])

	// A spawned-but-never-started sibling cannot consume one.
	resp = e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"impl": "taskrunner", "goal": "g"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	idle := decode[store.AgentRecord](t, resp)
	resp = e.do(t, http.MethodPost, "/api/v1/agents/"+idle.ID+"/steer", map[string]any{
		"context": "too early",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[map[string]bool](t, resp)
	assert.False(t, out["delivered"])

	resp = e.do(t, http.MethodPost, "/api/v1/agents/"+rec.ID+"/steer", map[string]any{
		"context": "x", "urgency": "casual",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/agents/ghost-00000000/steer", map[string]any{
		"context": "x",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[map[string]bool](t, resp)
	assert.False(t, out["delivered"])

	// Wind the worker down before the fixture tears down.
	resp = e.do(t, http.MethodPost, "/api/v1/agents/"+rec.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRemoveEndpoint(t *testing.T) {
	e := newAPIEnv(t, "")

	resp := e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"impl": "taskrunner", "goal": "g"})
	rec := decode[store.AgentRecord](t, resp)

	resp = e.do(t, http.MethodDelete, "/api/v1/agents/"+rec.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/v1/agents/"+rec.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTreeAndStatusEndpoints(t *testing.T) {
	e := newAPIEnv(t, "")

	resp := e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"impl": "coordinator", "goal": "g"})
	coord := decode[store.AgentRecord](t, resp)
	resp = e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"impl": "orchestrator", "goal": "g", "parent_id": coord.ID,
	})
	orch := decode[store.AgentRecord](t, resp)

	resp = e.do(t, http.MethodGet, "/api/v1/tree", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tree := decode[map[string][]string](t, resp)
	assert.Equal(t, []string{orch.ID}, tree[coord.ID])

	resp = e.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[runtime.Snapshot](t, resp)
	assert.Equal(t, 2, snap.Agents)
}

func TestEntriesEndpoint(t *testing.T) {
	e := newAPIEnv(t, "")
	ctx := context.Background()

	resp := e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"impl": "taskrunner", "goal": "g", "session": "sessX",
	})
	rec := decode[store.AgentRecord](t, resp)
	_, err := e.store.Write(ctx, rec.ID, rec.Scope, store.EntryResult, []string{"final"}, map[string]any{"v": 1})
	require.NoError(t, err)
	_, err = e.store.Write(ctx, rec.ID, rec.Scope, store.EntryPlan, nil, map[string]any{"v": 2})
	require.NoError(t, err)

	resp = e.do(t, http.MethodGet, "/api/v1/entries?session=sessX&type=result&tag=final", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]store.Entry](t, resp)
	require.Len(t, entries, 1)
	assert.Equal(t, store.EntryResult, entries[0].Type)

	resp = e.do(t, http.MethodGet, "/api/v1/entries?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBearerAuth(t *testing.T) {
	secret := "test-secret"
	e := newAPIEnv(t, secret)

	resp := e.do(t, http.MethodGet, "/api/v1/agents", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/agents", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	req.Header.Set("Authorization", "Bearer not.a.token")
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
}

func TestEventWebsocket(t *testing.T) {
	e := newAPIEnv(t, "")

	resp := e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"impl": "taskrunner", "goal": "g"})
	rec := decode[store.AgentRecord](t, resp)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/agents/" + rec.ID + "/events"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	e.rt.Streams().Publish(rec.ID, streaming.Event{Type: "status", Status: "running"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt streaming.Event
	require.NoError(t, json.Unmarshal(msg, &evt))
	assert.Equal(t, rec.ID, evt.AgentID)
	assert.Equal(t, "status", evt.Type)

	// A viewer that reconnects with the last seq replays the history.
	replayURL := fmt.Sprintf("%s?since=%d", wsURL, 0)
	conn2, wsResp2, err := websocket.DefaultDialer.Dial(replayURL, nil)
	require.NoError(t, err)
	if wsResp2 != nil {
		wsResp2.Body.Close()
	}
	defer conn2.Close()

	conn2.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg2, err := conn2.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg2, &evt))
	assert.Equal(t, "status", evt.Type)
}
