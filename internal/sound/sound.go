// Package sound plays the short on/off cue files through whatever command
// line audio player the host has.
package sound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Players in order of preference, with the arguments placed before the file.
var players = []struct {
	name string
	args []string
}{
	{"paplay", nil},
	{"pw-play", nil},
	{"aplay", []string{"-q"}},
	{"afplay", nil},
	{"ffplay", []string{"-nodisp", "-autoexit", "-loglevel", "quiet"}},
}

var extensions = []string{".mp3", ".wav", ".ogg"}

// ErrNoPlayer is returned when no known player is on PATH.
var ErrNoPlayer = errors.New("no audio player found")

// Player plays cue files from a directory.
type Player struct {
	dir    string
	name   string
	args   []string
	logger *slog.Logger
}

// NewPlayer resolves the player command. An empty name picks the first
// known player found on PATH.
func NewPlayer(dir, name string, logger *slog.Logger) (*Player, error) {
	if name != "" {
		if _, err := exec.LookPath(name); err != nil {
			return nil, fmt.Errorf("audio player %q: %w", name, err)
		}
		p := &Player{dir: dir, name: name, logger: logger}
		for _, known := range players {
			if known.name == name {
				p.args = known.args
			}
		}
		return p, nil
	}
	for _, known := range players {
		if _, err := exec.LookPath(known.name); err == nil {
			return &Player{dir: dir, name: known.name, args: known.args, logger: logger}, nil
		}
	}
	return nil, ErrNoPlayer
}

// Resolve finds the file for cue name.
func (p *Player) Resolve(name string) (string, error) {
	return resolve(p.dir, name)
}

func resolve(dir, name string) (string, error) {
	for _, ext := range extensions {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no sound file for %q in %s", name, dir)
}

// Play starts playback of cue name and returns without waiting for it to
// finish.
func (p *Player) Play(ctx context.Context, name string) error {
	path, err := p.Resolve(name)
	if err != nil {
		return err
	}
	args := append(append([]string(nil), p.args...), path)
	cmd := exec.CommandContext(ctx, p.name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.name, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			p.logger.Debug("audio player exited", "player", p.name, "error", err)
		}
	}()
	return nil
}
