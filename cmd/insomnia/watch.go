package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	watchPongWait   = 60 * time.Second
	watchPingPeriod = 30 * time.Second
)

// uiWSURL turns the UI listen address into the state websocket URL.
func uiWSURL(listen string) string {
	u := url.URL{Scheme: "ws", Host: listen, Path: "/ws"}
	return u.String()
}

// runWatch connects to the state websocket and prints one line per frame
// until ctx ends or the daemon closes the connection.
func runWatch(ctx context.Context, wsURL string, out io.Writer, raw bool, logger *slog.Logger) error {
	u, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	logger.Debug("connecting", "url", u.String())
	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", u.String(), err)
	}
	defer conn.Close()

	// Mutex to protect concurrent writes to websocket
	var writeMu sync.Mutex

	_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})

	pingTicker := time.NewTicker(watchPingPeriod)
	defer pingTicker.Stop()

	done := make(chan error, 1)
	go func() {
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					done <- fmt.Errorf("websocket: %w", err)
					return
				}
				done <- nil
				return
			}
			// Any frame proves the daemon is alive.
			_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
			if messageType != websocket.TextMessage {
				continue
			}
			if raw {
				fmt.Fprintf(out, "%s\n", message)
				continue
			}
			fmt.Fprintln(out, formatFrame(message))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			writeMu.Lock()
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMu.Unlock()
			if err != nil {
				logger.Debug("error closing connection", "error", err)
			}
			return nil

		case err := <-done:
			return err

		case <-pingTicker.C:
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

// formatFrame renders one state frame as a human-readable line.
func formatFrame(message []byte) string {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return fmt.Sprintf("[TEXT] %s", message)
	}
	ts := ""
	if env.Ts != nil {
		ts = env.Ts.Local().Format("15:04:05") + " "
	}

	switch env.Type {
	case wsStateInit:
		var s StateSnapshot
		if json.Unmarshal(env.Data, &s) == nil {
			return fmt.Sprintf("%s[STATE] %s idle=%s downloads=%d granted=%v",
				ts, awakeWord(s.Awake), s.Idle, s.Downloads, s.Granted)
		}
	case wsStatusChanged:
		var d wsStatusChangedData
		if json.Unmarshal(env.Data, &d) == nil {
			return fmt.Sprintf("%s[STATUS] %s cause=%s", ts, awakeWord(d.Awake), d.Cause)
		}
	case wsPreferenceChanged:
		var d wsPreferenceChangedData
		if json.Unmarshal(env.Data, &d) == nil {
			return fmt.Sprintf("%s[PREF] %s=%t", ts, d.Key, d.Value)
		}
	case wsBatteryObserved:
		var b BatteryObservation
		if json.Unmarshal(env.Data, &b) == nil {
			return fmt.Sprintf("%s[BATTERY] %s", ts, describeBattery(b))
		}
	case wsPermissionsChanged:
		var d wsPermissionsChangedData
		if json.Unmarshal(env.Data, &d) == nil {
			return fmt.Sprintf("%s[PERMISSIONS] %v", ts, d.Granted)
		}
	case wsIconChanged:
		var d wsIconChangedData
		if json.Unmarshal(env.Data, &d) == nil {
			return fmt.Sprintf("%s[ICON] %s", ts, d.Path)
		}
	}
	return fmt.Sprintf("%s[%s] %s", ts, env.Type, env.Data)
}

func awakeWord(awake bool) string {
	if awake {
		return "awake"
	}
	return "asleep"
}

func describeBattery(b BatteryObservation) string {
	var parts []string
	if b.PercentKnown {
		parts = append(parts, fmt.Sprintf("%.0f%%", b.Percent))
	}
	if b.ChargingKnown {
		parts = append(parts, map[bool]string{true: "charging", false: "discharging"}[b.Charging])
	}
	if b.ExternalKnown {
		parts = append(parts, map[bool]string{true: "on-ac", false: "on-battery"}[b.External])
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, " ")
}
