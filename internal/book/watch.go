package book

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeOp classifies a container change.
type ChangeOp int

const (
	ChangeWritten ChangeOp = iota
	ChangeRenamed
	ChangeRemoved
)

func (op ChangeOp) String() string {
	switch op {
	case ChangeWritten:
		return "written"
	case ChangeRenamed:
		return "renamed"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is a single container change. OldName is set for renames.
type Change struct {
	Op      ChangeOp
	Name    string
	OldName string
}

// renameWindow is how long a vanished name waits for a matching create
// before it is reported as removed.
const renameWindow = 150 * time.Millisecond

// scratchName reports editor backup and swap files. Vim saves by renaming
// a.html to a.html~, writing a new a.html and deleting the backup; the
// 4913 file checks that the directory is writable.
func scratchName(base string) bool {
	switch {
	case strings.HasPrefix(base, "."), strings.HasPrefix(base, "#"):
		return true
	case strings.HasSuffix(base, "~"), base == "4913":
		return true
	}
	switch filepath.Ext(base) {
	case ".swp", ".swo", ".swx":
		return true
	}
	return false
}

// renameTracker pairs a rename/remove of one name with a create of another.
// fsnotify reports a rename as Rename(old) followed by Create(new). A name
// that exists again by the time it would be reported is written, not
// renamed or removed.
type renameTracker struct {
	exists  func(name string) bool
	pending string
	since   time.Time
}

func (t *renameTracker) has(name string) bool {
	return t.exists != nil && t.exists(name)
}

// vanished records a name that disappeared. A previous unpaired name is
// reported first.
func (t *renameTracker) vanished(name string, now time.Time) []Change {
	out := t.flush()
	if t.has(name) {
		return append(out, Change{Op: ChangeWritten, Name: name})
	}
	t.pending = name
	t.since = now
	return out
}

// created pairs name with a pending vanished name. An expired pending name
// is reported ahead of the new name.
func (t *renameTracker) created(name string, now time.Time) []Change {
	if t.pending == "" || now.Sub(t.since) > renameWindow {
		return append(t.flush(), Change{Op: ChangeWritten, Name: name})
	}
	old := t.pending
	t.pending = ""
	switch {
	case old == name:
		return []Change{{Op: ChangeWritten, Name: name}}
	case t.has(old):
		return []Change{{Op: ChangeWritten, Name: old}, {Op: ChangeWritten, Name: name}}
	}
	return []Change{{Op: ChangeRenamed, Name: name, OldName: old}}
}

// expired reports a pending name once the window elapsed.
func (t *renameTracker) expired(now time.Time) []Change {
	if t.pending == "" || now.Sub(t.since) <= renameWindow {
		return nil
	}
	return t.flush()
}

func (t *renameTracker) flush() []Change {
	if t.pending == "" {
		return nil
	}
	c := Change{Op: ChangeRemoved, Name: t.pending}
	if t.has(t.pending) {
		c.Op = ChangeWritten
	}
	t.pending = ""
	return []Change{c}
}

// translate maps one file event to container changes.
func (d *Dir) translate(t *renameTracker, event fsnotify.Event, now time.Time) []Change {
	name, ok := d.Name(event.Name)
	if !ok || scratchName(filepath.Base(name)) {
		return nil
	}
	switch {
	case event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove):
		return t.vanished(name, now)
	case event.Has(fsnotify.Create):
		return t.created(name, now)
	case event.Has(fsnotify.Write):
		return []Change{{Op: ChangeWritten, Name: name}}
	}
	return nil
}

// Watch reports container changes to fn until ctx is done. fn is called
// from the watcher goroutine.
func (d *Dir) Watch(ctx context.Context, fn func(Change)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("book: watch: %w", err)
	}
	if err := addRecursiveWatch(w, d.root); err != nil {
		w.Close()
		return fmt.Errorf("book: watch: %w", err)
	}

	go func() {
		defer w.Close()
		tracker := renameTracker{exists: d.Has}
		ticker := time.NewTicker(renameWindow)
		defer ticker.Stop()

		emit := func(changes []Change) {
			for _, c := range changes {
				fn(c)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return

			case <-ticker.C:
				emit(tracker.expired(time.Now()))

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.logger.Warn("book: watch error", "error", err)

			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = addRecursiveWatch(w, event.Name)
						continue
					}
				}
				emit(d.translate(&tracker, event, time.Now()))
			}
		}
	}()
	return nil
}

func addRecursiveWatch(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(entry.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
