package main

import (
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"
)

const (
	iconInactive = "icon32.png"
	iconActive   = "icon32_active.png"

	// iconURLPrefix is where the UI server exposes the icon directory.
	iconURLPrefix = "/icons/"
)

// iconPath maps the status to its icon file in dir.
func iconPath(dir string, active bool) string {
	if active {
		return filepath.Join(dir, iconActive)
	}
	return filepath.Join(dir, iconInactive)
}

func iconURL(active bool) string {
	if active {
		return path.Join(iconURLPrefix, iconActive)
	}
	return path.Join(iconURLPrefix, iconInactive)
}

// wsIconChangedData is the JSON `data` payload for "icon_changed".
type wsIconChangedData struct {
	Active bool   `json:"active"`
	Path   string `json:"path"`
	URL    string `json:"url"`
}

// IconPublisher pushes icon_changed frames to UI clients.
type IconPublisher struct {
	dir    string
	hub    *Hub
	logger *slog.Logger

	mu        sync.Mutex
	current   wsIconChangedData
	published bool
}

// NewIconPublisher returns a publisher. A missing icon is logged once here;
// clients still get the path and can fall back to their own artwork.
func NewIconPublisher(dir string, hub *Hub, logger *slog.Logger) *IconPublisher {
	for _, active := range []bool{false, true} {
		if _, err := os.Stat(iconPath(dir, active)); err != nil {
			logger.Warn("status icon missing", "path", iconPath(dir, active))
		}
	}
	return &IconPublisher{dir: dir, hub: hub, logger: logger}
}

func (p *IconPublisher) SetIcon(active bool) error {
	data := wsIconChangedData{Active: active, Path: iconPath(p.dir, active), URL: iconURL(active)}

	p.mu.Lock()
	p.current = data
	p.published = true
	p.mu.Unlock()

	if p.hub == nil {
		return nil
	}
	msg, err := marshalEnvelope(wsIconChanged, time.Now().UTC(), data)
	if err != nil {
		return err
	}
	p.hub.BroadcastBytes(msg)
	p.logger.Debug("icon published", "path", data.Path)
	return nil
}

// Current returns the last published icon; ok is false before the first
// SetIcon.
func (p *IconPublisher) Current() (icon wsIconChangedData, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.published
}
