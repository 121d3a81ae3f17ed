//go:build !linux

package main

import (
	"context"
	"log/slog"
)

// runHotkey is a no-op where evdev is unavailable. The combo is still
// validated so a bad config fails the same way on every platform.
func runHotkey(_ context.Context, _ []string, comboSpec string, _ chan<- Event, logger *slog.Logger) error {
	if _, err := parseCombo(comboSpec); err != nil {
		return err
	}
	logger.Info("global hotkey not supported on this platform", "combo", comboSpec)
	return nil
}
