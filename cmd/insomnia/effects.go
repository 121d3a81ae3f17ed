package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"insomnia/internal/failure"
	"insomnia/internal/power"
	"insomnia/internal/status"
	"insomnia/internal/surface"
	"insomnia/internal/throttle"
)

// iconSetter publishes the status icon.
type iconSetter interface {
	SetIcon(active bool) error
}

// Effects bundles the actuators the daemon loop drives. Nil members turn the
// corresponding commands into reported failures.
type Effects struct {
	Lock     power.Inhibitor
	Icons    iconSetter
	Cue      *throttle.Limiter
	Surfaces *surface.Manager
	Status   *status.Store
	Subs     *Subscriptions

	// Now defaults to time.Now.
	Now func() time.Time
}

func (fx *Effects) now() time.Time {
	if fx.Now != nil {
		return fx.Now()
	}
	return time.Now()
}

// runEffect executes a single reducer-emitted Command and reports failures
// via onEvent.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; it only emits Events to be reduced by the daemon loop.
// - Every failure is logged here, at the call site, and never escalated.
func runEffect(
	ctx context.Context,
	fx *Effects,
	cmd Command,
	logger *slog.Logger,
	onEvent func(Event),
) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	if fx == nil {
		fx = &Effects{}
	}

	now := fx.now()
	fail := func(op string, kind failure.Kind, err error, args ...any) {
		err = failure.New(kind, op, err)
		logger.Error("effect failed", append([]any{"command", cmd.String(), "error", err}, args...)...)
		onEvent(EffectFailed{Command: cmd, Err: err, At: now})
	}

	switch c := cmd.(type) {
	case CmdRequestLock:
		if fx.Lock == nil {
			fail("request lock", failure.Actuator, errNoActuator("power lock"))
			return
		}
		if err := fx.Lock.Request(ctx, c.Mode); err != nil {
			fail("request lock", failure.Actuator, err, "mode", c.Mode)
			return
		}
		logger.Info("power lock held", "mode", c.Mode)

	case CmdReleaseLock:
		if fx.Lock == nil {
			fail("release lock", failure.Actuator, errNoActuator("power lock"))
			return
		}
		if err := fx.Lock.Release(ctx); err != nil {
			fail("release lock", failure.Actuator, err)
			return
		}
		logger.Info("power lock released")

	case CmdSetIcon:
		if fx.Icons == nil {
			return
		}
		if err := fx.Icons.SetIcon(c.Active); err != nil {
			fail("set icon", failure.Actuator, err, "active", c.Active)
		}

	case CmdPlayCue:
		if fx.Cue != nil && !fx.Cue.TryFire(now) {
			logger.Debug("cue throttled", "sound", c.Sound)
			return
		}
		if fx.Surfaces == nil {
			fail("play cue", failure.Actuator, errNoActuator("surface"))
			return
		}
		if err := fx.Surfaces.Ensure(ctx, surface.Audio); err != nil {
			fail("play cue", failure.Actuator, err, "sound", c.Sound)
			return
		}
		if err := fx.Surfaces.Send(ctx, surface.Message{Msg: surface.PlaySound, Sound: c.Sound}); err != nil {
			fail("play cue", failure.Actuator, err, "sound", c.Sound)
		}

	case CmdReleaseSurface:
		if fx.Surfaces == nil {
			return
		}
		if err := fx.Surfaces.Release(c.Purpose); err != nil {
			fail("release surface", failure.Actuator, err, "purpose", c.Purpose)
		}

	case CmdBatterySetting:
		if fx.Surfaces == nil {
			fail("battery setting", failure.Actuator, errNoActuator("surface"))
			return
		}
		if c.Active {
			runBatteryOn(ctx, fx.Surfaces, func(err error) { fail("battery setting", failure.Actuator, err) })
			return
		}
		if fx.Surfaces.Holds(surface.Battery) {
			if err := fx.Surfaces.Send(ctx, surface.Message{Msg: surface.BatterySettingDeactivated}); err != nil {
				fail("battery setting", failure.Actuator, err)
			}
		}
		if err := fx.Surfaces.Release(surface.Battery); err != nil {
			fail("battery setting", failure.Actuator, err)
		}

	case CmdPersistStatus:
		if fx.Status == nil {
			return
		}
		fx.Status.Save(ctx, c.Snapshot)

	case CmdSyncSubscriptions:
		if fx.Subs == nil {
			return
		}
		if err := fx.Subs.Set(subDownloads, c.Downloads); err != nil {
			fail("sync subscriptions", failure.Permission, err, "downloads", c.Downloads)
		}

	case CmdPublishStateSnapshot:
		// Deliver reducer-produced snapshot to the requester.
		if c.Reply == nil {
			logger.Warn("state snapshot requested with nil reply channel")
			return
		}

		// Never block the daemon loop.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
		onEvent(EffectFailed{
			Command: cmd,
			Err:     errUnknownCommand{cmd: cmd},
			At:      now,
		})
	}
}

func runBatteryOn(ctx context.Context, m *surface.Manager, fail func(error)) {
	if err := m.Ensure(ctx, surface.Battery); err != nil {
		fail(err)
		return
	}
	if err := m.Send(ctx, surface.Message{Msg: surface.StartBatteryListener}); err != nil {
		fail(err)
		return
	}
	if err := m.Send(ctx, surface.Message{Msg: surface.BatterySettingActivated}); err != nil {
		fail(err)
	}
}

func errNoActuator(name string) error { return fmt.Errorf("no %s configured", name) }

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
