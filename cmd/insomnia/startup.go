package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"insomnia/internal/battery"
	"insomnia/internal/downloads"
	"insomnia/internal/idle"
	"insomnia/internal/kv"
	"insomnia/internal/permissions"
	"insomnia/internal/power"
	"insomnia/internal/prefs"
	"insomnia/internal/sound"
	"insomnia/internal/status"
	"insomnia/internal/surface"
	"insomnia/internal/throttle"
)

// broadcastQueueSize buffers reducer broadcasts on their way to UI clients.
const broadcastQueueSize = 64

// runDaemonCommand builds every component from cfg, starts the trigger
// sources and servers, and runs the daemon loop until ctx is canceled or a
// server fails.
func runDaemonCommand(ctx context.Context, cfg Config, logger *slog.Logger) error {
	store, err := kv.Open(cfg.Preferences.Backend, ExpandPath(cfg.Preferences.Path))
	if err != nil {
		return fmt.Errorf("open preferences store: %w", err)
	}
	defer store.Close()

	prefStore := prefs.NewStore(store, logger)
	// Status flags live for the lifetime of the process only.
	statusStore := status.NewStore(kv.NewMemory(), logger)

	downloadsDir := ExpandPath(cfg.Downloads.Dir)
	gate := permissions.NewGate(store, logger)
	gate.Provide(permissions.Downloads, permissions.DirProbe(downloadsDir))

	initialPrefs := prefStore.Get(ctx)
	granted, err := gate.Granted(ctx)
	if err != nil {
		logger.Error("failed to load granted permissions", "error", err)
	}
	state := NewDaemonState(statusStore.Snapshot(ctx), initialPrefs, granted)

	events := make(chan Event, eventQueueSize)
	broadcasts := make(chan StateBroadcast, broadcastQueueSize)

	g, gctx := errgroup.WithContext(ctx)

	// ------------------------------------------------------------------------
	// Actuators
	// ------------------------------------------------------------------------
	backend, err := power.NewBackend(cfg.Power.Backend, cfg.Power.Who)
	if err != nil {
		logger.Warn("power backend unavailable, status changes will not keep the host awake",
			"backend", cfg.Power.Backend, "error", err)
		backend = power.Noop{}
	}
	lock := power.NewLock(backend, logger)

	ws := NewServer(logger, events, ServerConfig{})
	var hub *Hub
	if cfg.UI.Listen != "" {
		hub = ws.Hub()
	}
	iconDir := ExpandPath(cfg.UI.IconDir)
	icons := NewIconPublisher(iconDir, hub, logger)
	ws.SetIcons(icons)

	subs := NewSubscriptions(gctx, logger)
	defer subs.Close()

	surfaces := surface.NewManager(offscreenFactory(cfg, events, logger), logger)
	defer surfaces.Close()

	fx := &Effects{
		Lock:     lock,
		Icons:    icons,
		Cue:      throttle.New(msDuration(cfg.Sounds.ThrottleMS)),
		Surfaces: surfaces,
		Status:   statusStore,
		Subs:     subs,
	}

	// ------------------------------------------------------------------------
	// Trigger sources
	// ------------------------------------------------------------------------
	enum := downloads.NewEnumerator(downloadsDir, cfg.Downloads.PartialSuffixes)
	watcher := downloads.NewWatcher(enum, msDuration(cfg.Downloads.SettleMS), logger)
	subs.Provide(subDownloads, withRetry(subDownloads, sourceMinBackoff, sourceMaxBackoff, logger, func(ctx context.Context) error {
		return watcher.Run(ctx, func(ev downloads.Event) {
			sendEvent(ctx, events, downloadEvent(ev))
		})
	}))

	gate.OnChange(func() {
		list, err := gate.Granted(gctx)
		if err != nil {
			logger.Warn("permissions reload failed", "error", err)
			return
		}
		sendEvent(gctx, events, PermissionsChanged{Granted: list})
	})

	tracker := newPrefsTracker(initialPrefs, events, logger)
	prefStore.Subscribe(func(_, m prefs.Map) { tracker.observe(gctx, m) })
	if kv.IsFileBackend(cfg.Preferences.Backend, cfg.Preferences.Path) {
		g.Go(func() error {
			if err := tracker.watchFile(gctx, ExpandPath(cfg.Preferences.Path), prefStore); err != nil {
				logger.Warn("preferences file watcher stopped", "error", err)
			}
			return nil
		})
	}

	mon, closeIdle := newIdleMonitor(cfg, logger)
	defer closeIdle()
	g.Go(func() error {
		mon.Run(gctx, func(s idle.State) {
			sendEvent(gctx, events, IdleChanged{State: s})
		})
		return nil
	})

	if cfg.Hotkey.Combo != "" {
		g.Go(func() error {
			if err := runHotkey(gctx, cfg.Hotkey.Devices, cfg.Hotkey.Combo, events, logger); err != nil {
				logger.Warn("hotkey reader stopped", "error", err)
			}
			return nil
		})
	}

	// ------------------------------------------------------------------------
	// Servers
	// ------------------------------------------------------------------------
	ipc := &ipcHandler{events: events, prefs: prefStore, gate: gate, logger: logger}
	g.Go(func() error {
		return runIPCServer(gctx, ExpandPath(cfg.IPC.SocketPath), ipc, logger)
	})

	if hub != nil {
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, hub, broadcasts, logger)
			return nil
		})
		g.Go(func() error {
			return runUIServer(gctx, cfg.UI.Listen, newUIMux(ws, iconDir, events, logger), logger)
		})
	} else {
		broadcasts = nil
	}

	// ------------------------------------------------------------------------
	// Daemon loop
	// ------------------------------------------------------------------------
	var final *DaemonState
	g.Go(func() error {
		final = runDaemon(gctx, events, fx, cfg.ToReducerConfig(), state, broadcasts, logger)
		return nil
	})

	logger.Info("insomnia daemon running",
		"socket", cfg.IPC.SocketPath,
		"ui", cfg.UI.Listen,
		"power", backend.Name(),
		"preferences", cfg.Preferences.Path)

	err = g.Wait()

	// Never leave the host pinned awake after exit.
	if final != nil && final.Status.Awake {
		logger.Info("releasing wake lock on shutdown", "cause", final.LastCause)
	}
	if relErr := lock.Release(context.Background()); relErr != nil {
		logger.Warn("failed to release wake lock", "error", relErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// offscreenFactory opens the in-process surface. Sound and battery support
// are optional; a missing one only makes its messages fail.
func offscreenFactory(cfg Config, events chan<- Event, logger *slog.Logger) surface.Factory {
	return func(context.Context) (surface.Surface, error) {
		var cue surface.CuePlayer
		if p, err := sound.NewPlayer(ExpandPath(cfg.Sounds.Dir), cfg.Sounds.Player, logger); err == nil {
			cue = p
		} else {
			logger.Warn("audio cues disabled", "error", err)
		}

		var src battery.Source
		if s, err := battery.NewSource(cfg.Battery.Source, secDuration(cfg.Battery.PollSec), logger); err == nil {
			src = s
		} else {
			logger.Warn("battery source unavailable", "source", cfg.Battery.Source, "error", err)
		}

		emit := func(ctx context.Context, msg surface.Message) {
			if ev, ok := surfaceEvent(msg); ok {
				sendEvent(ctx, events, ev)
			}
		}
		return surface.NewOffscreen(cue, src, emit, logger), nil
	}
}

// surfaceEvent maps a message sent back by a surface to a daemon event.
func surfaceEvent(msg surface.Message) (Event, bool) {
	switch msg.Msg {
	case surface.BatteryChargingChanged:
		if v, ok := msg.Info.(bool); ok {
			return BatteryCharging{Charging: v}, true
		}
	case surface.BatteryLevelChanged:
		if v, ok := msg.Info.(float64); ok {
			return BatteryLevel{Percent: v}, true
		}
	case surface.PowerSourceChanged:
		if v, ok := msg.Info.(bool); ok {
			return PowerConnected{Connected: v}, true
		}
	}
	return nil, false
}

func downloadEvent(ev downloads.Event) Event {
	if ev.Kind == downloads.Created {
		return DownloadCreated{InProgress: ev.InProgress}
	}
	return DownloadsSettled{InProgress: ev.InProgress}
}

// newIdleMonitor combines the logind lock signal with the X11 idle timer.
// Either may be missing (no system bus, Wayland session). The returned func
// closes the X11 connection.
func newIdleMonitor(cfg Config, logger *slog.Logger) (*idle.Monitor, func()) {
	mon := &idle.Monitor{
		Threshold: secDuration(cfg.Idle.ThresholdSec),
		Poll:      msDuration(cfg.Idle.PollMS),
		Logger:    logger,
	}
	if l, err := idle.NewLogind(); err == nil {
		mon.Locks = l
	} else {
		logger.Warn("session lock detection unavailable", "error", err)
	}
	closeFn := func() {}
	if x, err := idle.NewX11(); err == nil {
		mon.Probe = x
		closeFn = x.Close
	} else {
		logger.Warn("idle detection unavailable", "error", err)
	}
	return mon, closeFn
}
