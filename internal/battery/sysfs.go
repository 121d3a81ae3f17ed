package battery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultSysfsRoot is where the kernel exposes power supplies.
const DefaultSysfsRoot = "/sys/class/power_supply"

// Sysfs polls the kernel's power_supply class.
type Sysfs struct {
	root string
	poll time.Duration
}

func NewSysfs(root string, poll time.Duration) *Sysfs {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Sysfs{root: root, poll: poll}
}

func (s *Sysfs) Name() string { return SourceSysfs }

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Read aggregates every battery and mains supply under root. With several
// batteries the level is the mean capacity.
func (s *Sysfs) Read() (Reading, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return Reading{}, err
	}

	var r Reading
	var total float64
	batteries := 0
	for _, e := range entries {
		dir := filepath.Join(s.root, e.Name())
		switch readAttr(dir, "type") {
		case "Battery":
			if readAttr(dir, "present") == "0" {
				continue
			}
			capacity, err := strconv.ParseFloat(readAttr(dir, "capacity"), 64)
			if err != nil {
				continue
			}
			total += capacity
			batteries++
			switch readAttr(dir, "status") {
			case "Charging", "Full":
				r.Charging = true
			}
		case "Mains", "USB":
			if readAttr(dir, "online") == "1" {
				r.External = true
			}
		}
	}
	if batteries == 0 {
		return Reading{}, fmt.Errorf("no battery under %s", s.root)
	}
	r.Percent = total / float64(batteries)
	return r, nil
}

func (s *Sysfs) Watch(ctx context.Context, emit func(Reading)) error {
	last, err := s.Read()
	if err != nil {
		return err
	}
	emit(last)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		r, err := s.Read()
		if err != nil {
			continue
		}
		if r != last {
			last = r
			emit(r)
		}
	}
}
