package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insomnia/internal/idle"
	"insomnia/internal/prefs"
)

// lineWriter hands each written line to a channel.
type lineWriter chan string

func (w lineWriter) Write(p []byte) (int, error) {
	for _, l := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		w <- l
	}
	return len(p), nil
}

func TestFormatFrame(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	msg, err := marshalEnvelope(wsStatusChanged, at, wsStatusChangedData{Awake: true, Cause: causeManual})
	require.NoError(t, err)
	assert.Contains(t, formatFrame(msg), "[STATUS] awake cause=manual")

	msg, err = marshalEnvelope(wsPreferenceChanged, at, wsPreferenceChangedData{Key: prefs.Sounds, Value: false})
	require.NoError(t, err)
	assert.Contains(t, formatFrame(msg), "[PREF] sounds=false")

	msg, err = marshalEnvelope(wsBatteryObserved, at, BatteryObservation{Percent: 42, PercentKnown: true, Charging: true, ChargingKnown: true})
	require.NoError(t, err)
	assert.Contains(t, formatFrame(msg), "[BATTERY] 42% charging")

	assert.Equal(t, "[TEXT] nope", formatFrame([]byte("nope")))
}

func TestRunWatch_PrintsInitAndBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 4)
	go func() {
		for ev := range events {
			if req, ok := ev.(RequestStateSnapshot); ok {
				req.Reply <- StateSnapshot{Awake: true, Idle: idle.Active}
			}
		}
	}()
	defer close(events)

	ws := NewServer(quietLogger(), events, ServerConfig{})
	go ws.Hub().Run(ctx)
	srv := httptest.NewServer(newUIMux(ws, t.TempDir(), events, quietLogger()))
	defer srv.Close()

	out := make(lineWriter, 8)
	done := make(chan error, 1)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	go func() { done <- runWatch(ctx, url, out, false, quietLogger()) }()

	next := func() string {
		t.Helper()
		select {
		case l := <-out:
			return l
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for watch output")
			return ""
		}
	}

	assert.Contains(t, next(), "[STATE] awake idle=active")

	icons := NewIconPublisher(t.TempDir(), ws.Hub(), quietLogger())
	require.NoError(t, icons.SetIcon(true))
	line := next()
	assert.Contains(t, line, "[ICON]")
	assert.Contains(t, line, iconActive)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}
