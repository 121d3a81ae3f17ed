package main

import "time"

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01

	KEY_LEFTCTRL   = 29
	KEY_LEFTSHIFT  = 42
	KEY_RIGHTSHIFT = 54
	KEY_LEFTALT    = 56
	KEY_RIGHTCTRL  = 97
	KEY_RIGHTALT   = 100
	KEY_LEFTMETA   = 125
	KEY_RIGHTMETA  = 126
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Cue names; files live at <sounds.dir>/<name>.{mp3,wav,ogg}.
const (
	soundOn  = "on"
	soundOff = "off"
)

const (
	defaultSocketName   = "insomnia.sock"
	defaultUIListen     = "127.0.0.1:7391"
	defaultIdleSec      = 60
	defaultIdlePollMS   = 2000
	defaultSettleMS     = 750
	defaultThrottleMS   = 100
	defaultBatteryPoll  = 30
	defaultBatteryLevel = 10
	defaultHotkey       = "ctrl+shift+o"
	defaultPowerWho     = "insomnia"

	// Buffer for the daemon's inbound event channel.
	eventQueueSize = 64

	// How long IPC and UI handlers wait for the daemon loop to answer.
	snapshotTimeout = time.Second
)
