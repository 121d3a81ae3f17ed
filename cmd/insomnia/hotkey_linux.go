//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// keyboardGlob finds keyboards when hotkey.devices is empty.
const keyboardGlob = "/dev/input/by-path/*-event-kbd"

// epollTimeoutMS bounds how long the reader waits before rechecking ctx.
const epollTimeoutMS = 250

// runHotkey reads the keyboards and emits KeyboardToggle when the combo is
// pressed. It returns nil when no device could be opened; the daemon keeps
// running without a hotkey.
func runHotkey(ctx context.Context, devices []string, comboSpec string, events chan<- Event, logger *slog.Logger) error {
	combo, err := parseCombo(comboSpec)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		devices, _ = filepath.Glob(keyboardGlob)
	}

	var files []*os.File
	for _, dev := range devices {
		f, err := os.Open(dev)
		if err != nil {
			logger.Warn("hotkey device unavailable", "device", dev, "error", err)
			continue
		}
		files = append(files, f)
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	if len(files) == 0 {
		logger.Warn("no keyboard devices readable, hotkey disabled", "combo", comboSpec)
		return nil
	}
	logger.Info("hotkey armed", "combo", comboSpec, "devices", len(files))

	matcher := newComboMatcher(combo)
	return readInputEventsEpoll(ctx, files, logger, func(ev inputEvent) bool {
		if !matcher.feed(ev) {
			return true
		}
		logger.Debug("hotkey pressed", "combo", comboSpec)
		return sendEvent(ctx, events, KeyboardToggle{})
	})
}

// readInputEventsEpoll reads from multiple input devices with one epoll
// instance. A device that hangs up is dropped; the reader stops when none
// are left, when ctx ends, or when handle returns false.
func readInputEventsEpoll(ctx context.Context, files []*os.File, logger *slog.Logger, handle func(inputEvent) bool) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	// Map file descriptors to files for later identification
	fdToFile := make(map[int]*os.File, len(files))
	for _, f := range files {
		fd := int(f.Fd())
		fdToFile[fd] = f

		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add %s: %w", f.Name(), err)
		}
	}

	const maxEvents = 32
	epollEvents := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, binary.Size(inputEvent{}))
	reader := bytes.NewReader(buf)

	for len(fdToFile) > 0 {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.EpollWait(epfd, epollEvents, epollTimeoutMS)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)
			f, ok := fdToFile[fd]
			if !ok {
				continue
			}

			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				logger.Warn("hotkey device gone", "device", f.Name())
				_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
				delete(fdToFile, fd)
				continue
			}

			if _, err := f.Read(buf); err != nil {
				logger.Warn("hotkey device read failed", "device", f.Name(), "error", err)
				_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
				delete(fdToFile, fd)
				continue
			}

			reader.Reset(buf)
			var ev inputEvent
			if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
				// Skip malformed events
				continue
			}
			if !handle(ev) {
				return nil
			}
		}
	}

	logger.Warn("all hotkey devices gone, hotkey disabled")
	return nil
}
