package main

import (
	"fmt"

	"insomnia/internal/power"
	"insomnia/internal/status"
	"insomnia/internal/surface"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon
// loop. Commands emitted for one transition are executed in order, each on
// its own: a failing command never prevents the next one.
type Command interface {
	commandMarker()
	String() string
}

// CmdRequestLock acquires (or swaps to) a power lock of the given mode.
type CmdRequestLock struct {
	Mode power.Mode
}

func (CmdRequestLock) commandMarker() {}
func (c CmdRequestLock) String() string {
	return fmt.Sprintf("CmdRequestLock(mode=%s)", c.Mode)
}

// CmdReleaseLock drops any held power lock.
type CmdReleaseLock struct{}

func (CmdReleaseLock) commandMarker() {}
func (CmdReleaseLock) String() string { return "CmdReleaseLock()" }

// CmdSetIcon publishes the status icon.
type CmdSetIcon struct {
	Active bool
}

func (CmdSetIcon) commandMarker()   {}
func (c CmdSetIcon) String() string { return fmt.Sprintf("CmdSetIcon(active=%v)", c.Active) }

// CmdPlayCue plays a throttled sound cue through the audio surface.
type CmdPlayCue struct {
	Sound string
}

func (CmdPlayCue) commandMarker()   {}
func (c CmdPlayCue) String() string { return fmt.Sprintf("CmdPlayCue(sound=%s)", c.Sound) }

// CmdReleaseSurface drops one purpose from the transient surface.
type CmdReleaseSurface struct {
	Purpose surface.Purpose
}

func (CmdReleaseSurface) commandMarker() {}
func (c CmdReleaseSurface) String() string {
	return fmt.Sprintf("CmdReleaseSurface(purpose=%s)", c.Purpose)
}

// CmdBatterySetting starts or stops the battery listener.
type CmdBatterySetting struct {
	Active bool
}

func (CmdBatterySetting) commandMarker() {}
func (c CmdBatterySetting) String() string {
	return fmt.Sprintf("CmdBatterySetting(active=%v)", c.Active)
}

// CmdPersistStatus writes the ephemeral status flags.
type CmdPersistStatus struct {
	Snapshot status.Snapshot
}

func (CmdPersistStatus) commandMarker() {}
func (c CmdPersistStatus) String() string {
	return fmt.Sprintf("CmdPersistStatus(awake=%v, by_download=%v)", c.Snapshot.Awake, c.Snapshot.AwakeCausedByDownload)
}

// CmdSyncSubscriptions turns capability-gated trigger sources on or off.
type CmdSyncSubscriptions struct {
	Downloads bool
}

func (CmdSyncSubscriptions) commandMarker() {}
func (c CmdSyncSubscriptions) String() string {
	return fmt.Sprintf("CmdSyncSubscriptions(downloads=%v)", c.Downloads)
}

// CmdPublishStateSnapshot delivers a reducer-produced snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
