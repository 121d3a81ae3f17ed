package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insomnia/internal/idle"
)

func newTestUIServer(t *testing.T, events chan Event) *httptest.Server {
	t.Helper()
	ws := NewServer(quietLogger(), events, ServerConfig{})
	srv := httptest.NewServer(newUIMux(ws, t.TempDir(), events, quietLogger()))
	t.Cleanup(srv.Close)
	return srv
}

func TestUIMux_PostEvents(t *testing.T) {
	events := make(chan Event, 1)
	srv := newTestUIServer(t, events)

	resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(`{"type":"activate"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, Manual{Desired: true}, <-events)

	resp, err = http.Post(srv.URL+"/events", "application/json", strings.NewReader(`{"type":"reboot"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	events <- KeyboardToggle{}
	resp, err = http.Post(srv.URL+"/events", "application/json", strings.NewReader(`{"type":"deactivate"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUIMux_Status(t *testing.T) {
	events := make(chan Event, 4)
	go func() {
		for ev := range events {
			if req, ok := ev.(RequestStateSnapshot); ok {
				req.Reply <- StateSnapshot{Awake: true, Idle: idle.Locked}
			}
		}
	}()
	defer close(events)
	srv := newTestUIServer(t, events)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap StateSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.True(t, snap.Awake)
	assert.Equal(t, idle.Locked, snap.Idle)
}

func postEvent(t *testing.T, url, contentType, origin, body string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestUIMux_PostEventsRejectsCrossSiteRequests(t *testing.T) {
	events := make(chan Event, 4)
	srv := newTestUIServer(t, events)
	target := srv.URL + "/events"
	body := `{"type":"activate"}`

	// Simple cross-site form posts cannot set a JSON content type.
	assert.Equal(t, http.StatusUnsupportedMediaType, postEvent(t, target, "text/plain", "", body))
	assert.Equal(t, http.StatusUnsupportedMediaType, postEvent(t, target, "", "", body))
	assert.Equal(t, http.StatusForbidden, postEvent(t, target, "application/json", "https://evil.example", body))
	assert.Empty(t, events)

	assert.Equal(t, http.StatusAccepted, postEvent(t, target, "application/json; charset=utf-8", srv.URL, body))
	assert.Equal(t, Manual{Desired: true}, <-events)
}

func TestStateWS_RejectsForeignOrigin(t *testing.T) {
	srv := newTestUIServer(t, make(chan Event, 1))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStateWS_InitCarriesCurrentIcon(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 4)
	go func() {
		for ev := range events {
			if req, ok := ev.(RequestStateSnapshot); ok {
				req.Reply <- StateSnapshot{Awake: true}
			}
		}
	}()
	defer close(events)

	ws := NewServer(quietLogger(), events, ServerConfig{})
	go ws.Hub().Run(ctx)
	icons := NewIconPublisher(t.TempDir(), nil, quietLogger())
	require.NoError(t, icons.SetIcon(true))
	ws.SetIcons(icons)

	srv := httptest.NewServer(newUIMux(ws, t.TempDir(), events, quietLogger()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	require.Equal(t, wsStateInit, env.Type)

	var data wsStateInitData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.True(t, data.Awake)
	require.NotNil(t, data.Icon)
	assert.True(t, data.Icon.Active)
	assert.Equal(t, iconURL(true), data.Icon.URL)
}
