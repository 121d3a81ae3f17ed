// Package downloads finds in-progress downloads in a directory and watches
// it for new and finished ones.
//
// A download counts as in progress while its file carries one of the
// partial suffixes browsers and download tools write before the final
// rename (.crdownload, .part, ...).
package downloads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"insomnia/internal/failure"
)

// DefaultPartialSuffixes are the suffixes used by Chromium, Firefox, Safari
// and most download managers.
var DefaultPartialSuffixes = []string{".crdownload", ".part", ".download", ".partial"}

// State of one download.
type State string

const (
	InProgress State = "in_progress"
	Complete   State = "complete"
)

// Item is one file in the downloads directory.
type Item struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	State State  `json:"state"`
}

// Query filters Search. An empty State matches everything.
type Query struct {
	State State
}

// Enumerator lists the downloads directory.
type Enumerator struct {
	dir      string
	suffixes []string
}

// NewEnumerator returns an enumerator over dir. Nil suffixes selects the
// defaults.
func NewEnumerator(dir string, suffixes []string) *Enumerator {
	if len(suffixes) == 0 {
		suffixes = DefaultPartialSuffixes
	}
	return &Enumerator{dir: dir, suffixes: suffixes}
}

func (e *Enumerator) Dir() string { return e.dir }

// IsPartial reports whether name looks like an unfinished download.
func (e *Enumerator) IsPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range e.suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// Search lists the regular files in the directory matching q. Listing
// failures are failure.Query errors.
func (e *Enumerator) Search(ctx context.Context, q Query) ([]Item, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, failure.New(failure.Query, "downloads.search", fmt.Errorf("list %s: %w", e.dir, err))
	}

	var items []Item
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		state := Complete
		if e.IsPartial(entry.Name()) {
			state = InProgress
		}
		if q.State != "" && q.State != state {
			continue
		}
		item := Item{Name: entry.Name(), Path: filepath.Join(e.dir, entry.Name()), State: state}
		if info, err := entry.Info(); err == nil {
			item.Size = info.Size()
		}
		items = append(items, item)
	}
	return items, nil
}

// InProgress counts unfinished downloads.
func (e *Enumerator) InProgress(ctx context.Context) (int, error) {
	items, err := e.Search(ctx, Query{State: InProgress})
	return len(items), err
}
