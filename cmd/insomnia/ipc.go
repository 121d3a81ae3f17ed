package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"insomnia/internal/failure"
	"insomnia/internal/permissions"
	"insomnia/internal/prefs"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// The CLI subcommands and the popup talk to the daemon through this socket.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "request_name", "data": {...}}
//   - Server responds: {"status": "ok", "data": ...}
//     or {"status": "error", "error": "msg", "kind": "persistence"}
//
// Event requests (activate, deactivate, command, idle_changed) are queued for
// the daemon loop. Query and preference requests are answered here.
// ============================================================================

// IPC request types answered by the handler itself.
const (
	ipcGetStatus         = "get_status"
	ipcGetPreferences    = "get_preferences"
	ipcSetPreference     = "set_preference"
	ipcRequestPermission = "request_permission"
	ipcRemovePermission  = "remove_permission"
	ipcListPermissions   = "list_permissions"
)

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string          `json:"status"`          // "ok" or "error"
	Error  string          `json:"error,omitempty"` // error message if status == "error"
	Kind   string          `json:"kind,omitempty"`  // failure kind, when known
	Data   json.RawMessage `json:"data,omitempty"`
}

// PreferenceEntry is one row of get_preferences, in display order.
type PreferenceEntry struct {
	Key                prefs.Key              `json:"key"`
	Value              bool                   `json:"value"`
	RequiredCapability permissions.Capability `json:"required_capability,omitempty"`
}

type setPreferenceData struct {
	Key   prefs.Key `json:"key"`
	Value bool      `json:"value"`
}

type capabilityData struct {
	Capability permissions.Capability `json:"capability"`
}

// PermissionResult answers request_permission and remove_permission.
type PermissionResult struct {
	Capability permissions.Capability `json:"capability"`
	Granted    bool                   `json:"granted"`
}

type grantedData struct {
	Granted []permissions.Capability `json:"granted"`
}

func preferenceEntries(m prefs.Map) []PreferenceEntry {
	out := make([]PreferenceEntry, 0, len(m))
	for _, k := range prefs.Keys() {
		p := m[k]
		out = append(out, PreferenceEntry{Key: k, Value: m.Bool(k), RequiredCapability: p.RequiredCapability})
	}
	return out
}

// ipcHandler answers one request line at a time.
type ipcHandler struct {
	events chan<- Event
	prefs  *prefs.Store
	gate   *permissions.Gate
	logger *slog.Logger
}

func okResponse(data any) IPCResponse {
	if data == nil {
		return IPCResponse{Status: "ok"}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return errorResponse(fmt.Errorf("marshal response: %w", err))
	}
	return IPCResponse{Status: "ok", Data: raw}
}

func errorResponse(err error) IPCResponse {
	resp := IPCResponse{Status: "error", Error: err.Error()}
	if k := failure.KindOf(err); k != 0 {
		resp.Kind = k.String()
	}
	return resp
}

func decodeData(env EventEnvelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}

func (h *ipcHandler) handle(ctx context.Context, line []byte) IPCResponse {
	var env EventEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return errorResponse(fmt.Errorf("parse request: %w", err))
	}

	switch env.Type {
	case ipcGetStatus:
		ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
		defer cancel()
		snap, err := requestDaemonSnapshot(ctx, h.events)
		if err != nil {
			return errorResponse(fmt.Errorf("daemon snapshot: %w", err))
		}
		return okResponse(snap)

	case ipcGetPreferences:
		return okResponse(preferenceEntries(h.prefs.Get(ctx)))

	case ipcSetPreference:
		var d setPreferenceData
		if err := decodeData(env, &d); err != nil {
			return errorResponse(err)
		}
		m, err := h.prefs.Update(ctx, d.Key, d.Value)
		if err != nil {
			h.logger.Warn("preference update failed", "key", d.Key, "error", err)
			return errorResponse(err)
		}
		return okResponse(preferenceEntries(m))

	case ipcRequestPermission, ipcRemovePermission:
		var d capabilityData
		if err := decodeData(env, &d); err != nil {
			return errorResponse(err)
		}
		if env.Type == ipcRequestPermission {
			granted, err := h.gate.Request(ctx, d.Capability)
			if err != nil {
				return errorResponse(err)
			}
			return okResponse(PermissionResult{Capability: d.Capability, Granted: granted})
		}
		removed, err := h.gate.Remove(ctx, d.Capability)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(PermissionResult{Capability: d.Capability, Granted: !removed})

	case ipcListPermissions:
		granted, err := h.gate.Granted(ctx)
		if err != nil {
			return errorResponse(err)
		}
		if granted == nil {
			granted = []permissions.Capability{}
		}
		return okResponse(grantedData{Granted: granted})
	}

	// Payload events only; the daemon assigns timestamps via TimedEvent.
	ev, err := envelopeEvent(env)
	if err != nil {
		return errorResponse(fmt.Errorf("parse event: %w", err))
	}
	select {
	case h.events <- ev:
		return IPCResponse{Status: "ok"}
	default:
		return IPCResponse{Status: "error", Error: "event queue full"}
	}
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, h *ipcHandler, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Per-user daemon: only the owner may talk to it.
	if err := os.Chmod(socketPath, 0o600); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, h, logger)
	}
}

// handleIPCConnection handles a single IPC connection
func handleIPCConnection(ctx context.Context, conn net.Conn, h *ipcHandler, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		resp := h.handle(ctx, line)
		if encErr := encoder.Encode(resp); encErr != nil {
			logger.Error("IPC failed to send response", "error", encErr)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

// ============================================================================
// IPC Client
// ============================================================================

// ipcCallTimeout bounds a whole client round-trip.
const ipcCallTimeout = 5 * time.Second

// ipcCall sends one request and decodes the response data into out (which
// may be nil). An error response is returned as an error carrying its
// failure kind, so callers can use failure.Is.
func ipcCall(socketPath, typ string, data any, out any) error {
	conn, err := net.DialTimeout("unix", socketPath, ipcCallTimeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ipcCallTimeout))

	env := EventEnvelope{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		env.Data = raw
	}
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(string(line))); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		remote := errors.New(resp.Error)
		if k := failure.ParseKind(resp.Kind); k != 0 {
			return failure.New(k, typ, remote)
		}
		return fmt.Errorf("ipc error: %w", remote)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", typ, err)
		}
	}
	return nil
}

// SendIPCEvent sends an event to the daemon via IPC.
func SendIPCEvent(socketPath string, ev Event) error {
	data, err := MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var payload any
	if len(env.Data) > 0 {
		payload = env.Data
	}
	return ipcCall(socketPath, env.Type, payload, nil)
}

// ipcClient is the typed client used by the CLI and the popup.
type ipcClient struct {
	socket string
}

func (c ipcClient) Status() (StateSnapshot, error) {
	var s StateSnapshot
	err := ipcCall(c.socket, ipcGetStatus, nil, &s)
	return s, err
}

func (c ipcClient) SetAwake(on bool) error {
	return SendIPCEvent(c.socket, Manual{Desired: on})
}

func (c ipcClient) Toggle() error {
	return SendIPCEvent(c.socket, KeyboardToggle{})
}

func (c ipcClient) Preferences() ([]PreferenceEntry, error) {
	var out []PreferenceEntry
	err := ipcCall(c.socket, ipcGetPreferences, nil, &out)
	return out, err
}

func (c ipcClient) SetPreference(k prefs.Key, v bool) ([]PreferenceEntry, error) {
	var out []PreferenceEntry
	err := ipcCall(c.socket, ipcSetPreference, setPreferenceData{Key: k, Value: v}, &out)
	return out, err
}

func (c ipcClient) RequestPermission(capability permissions.Capability) (bool, error) {
	var out PermissionResult
	err := ipcCall(c.socket, ipcRequestPermission, capabilityData{Capability: capability}, &out)
	return out.Granted, err
}

func (c ipcClient) RemovePermission(capability permissions.Capability) (bool, error) {
	var out PermissionResult
	err := ipcCall(c.socket, ipcRemovePermission, capabilityData{Capability: capability}, &out)
	return !out.Granted, err
}

func (c ipcClient) Permissions() ([]permissions.Capability, error) {
	var out grantedData
	err := ipcCall(c.socket, ipcListPermissions, nil, &out)
	return out.Granted, err
}
