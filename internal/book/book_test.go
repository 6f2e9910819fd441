package book

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, name, data string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
}

func TestDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "text/ch1.html", "<p>1</p>")
	writeFile(t, root, "styles/main.css", "p{}")
	writeFile(t, root, ".git/config", "x")

	d, err := OpenDir(root, nil)
	require.NoError(t, err)

	data, err := d.Read("text/ch1.html")
	require.NoError(t, err)
	assert.Equal(t, []byte("<p>1</p>"), data)

	_, err = d.Read("text/missing.html")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = d.Read("../escape.html")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, d.Has("styles/main.css"))
	assert.False(t, d.Has("styles"))

	names, err := d.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"styles/main.css", "text/ch1.html"}, names)

	name, ok := d.Name(filepath.Join(d.Root(), "text", "ch1.html"))
	assert.True(t, ok)
	assert.Equal(t, "text/ch1.html", name)
	_, ok = d.Name(filepath.Dir(d.Root()))
	assert.False(t, ok)

	assert.Equal(t, filepath.Join(d.Root(), "text", "ch1.html"), d.Path("text/ch1.html"))
}

func TestOpenDirRejectsFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.html", "")

	_, err := OpenDir(filepath.Join(root, "a.html"), nil)
	assert.Error(t, err)
	_, err = OpenDir(filepath.Join(root, "missing"), nil)
	assert.Error(t, err)
}

func TestCleanName(t *testing.T) {
	for in, want := range map[string]string{
		"text/ch1.html":      "text/ch1.html",
		"/text/ch1.html":     "text/ch1.html",
		"text\\ch1.html":     "text/ch1.html",
		"../../etc/passwd":   "etc/passwd",
		"text/./a/../b.html": "text/b.html",
	} {
		got, err := CleanName(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := CleanName("")
	assert.Error(t, err)
	_, err = CleanName("/")
	assert.Error(t, err)
}

func TestMimeTypeOf(t *testing.T) {
	assert.Equal(t, "text/html", MimeTypeOf("a.HTML"))
	assert.Equal(t, "application/xhtml+xml", MimeTypeOf("text/a.xhtml"))
	assert.Equal(t, "application/x-font-truetype", MimeTypeOf("fonts/a.ttf"))
	assert.Equal(t, "application/octet-stream", MimeTypeOf("blob.unknownext"))
}

func TestRenameTracker(t *testing.T) {
	now := time.Now()
	var tr renameTracker

	assert.Empty(t, tr.vanished("old.html", now))
	assert.Equal(t,
		[]Change{{Op: ChangeRenamed, Name: "new.html", OldName: "old.html"}},
		tr.created("new.html", now.Add(10*time.Millisecond)))

	assert.Equal(t,
		[]Change{{Op: ChangeWritten, Name: "fresh.html"}},
		tr.created("fresh.html", now))

	tr.vanished("gone.html", now)
	assert.Empty(t, tr.expired(now.Add(renameWindow/2)))
	assert.Equal(t,
		[]Change{{Op: ChangeRemoved, Name: "gone.html"}},
		tr.expired(now.Add(2*renameWindow)))

	tr.vanished("a.html", now)
	assert.Equal(t,
		[]Change{{Op: ChangeRemoved, Name: "a.html"}},
		tr.vanished("b.html", now))

	assert.Equal(t, []Change{
		{Op: ChangeRemoved, Name: "b.html"},
		{Op: ChangeWritten, Name: "c.html"},
	}, tr.created("c.html", now.Add(2*renameWindow)))
}

func TestRenameTrackerExistingNames(t *testing.T) {
	now := time.Now()
	present := map[string]bool{}
	tr := renameTracker{exists: func(name string) bool { return present[name] }}

	// Replaced before the event was seen.
	present["a.html"] = true
	assert.Equal(t, []Change{{Op: ChangeWritten, Name: "a.html"}}, tr.vanished("a.html", now))

	// Recreated under the same name.
	present["a.html"] = false
	assert.Empty(t, tr.vanished("a.html", now))
	present["a.html"] = true
	assert.Equal(t, []Change{{Op: ChangeWritten, Name: "a.html"}}, tr.created("a.html", now))

	// Copied rather than moved.
	present["b.html"] = false
	assert.Empty(t, tr.vanished("b.html", now))
	present["b.html"] = true
	assert.Equal(t, []Change{
		{Op: ChangeWritten, Name: "b.html"},
		{Op: ChangeWritten, Name: "c.html"},
	}, tr.created("c.html", now))

	// Back by the time the window expires.
	present["d.html"] = false
	assert.Empty(t, tr.vanished("d.html", now))
	present["d.html"] = true
	assert.Equal(t, []Change{{Op: ChangeWritten, Name: "d.html"}}, tr.expired(now.Add(2*renameWindow)))
}

func TestScratchName(t *testing.T) {
	for _, name := range []string{"a.html~", ".a.html.swp", "a.html.swx", "4913", "#a.html#", ".#a.html"} {
		assert.True(t, scratchName(name), name)
	}
	for _, name := range []string{"a.html", "4913.html", "styles.css", "notes~.txt"} {
		assert.False(t, scratchName(name), name)
	}
}

// vimSave replays the file operations of a Vim write with backupcopy=no.
func vimSave(t *testing.T, root, name, data string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.Rename(p, p+"~"))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	require.NoError(t, os.Remove(p+"~"))
}

func TestTranslateEditorSave(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.html", "<p>1</p>")
	d, err := OpenDir(root, nil)
	require.NoError(t, err)

	p := filepath.Join(d.Root(), "a.html")
	tr := renameTracker{exists: d.Has}
	now := time.Now()
	var changes []Change
	step := func(op fsnotify.Op, file string) {
		changes = append(changes, d.translate(&tr, fsnotify.Event{Name: file, Op: op}, now)...)
	}

	require.NoError(t, os.Rename(p, p+"~"))
	step(fsnotify.Rename, p)
	step(fsnotify.Create, p+"~")
	require.NoError(t, os.WriteFile(p, []byte("<p>2</p>"), 0o644))
	step(fsnotify.Create, p)
	step(fsnotify.Write, p)
	require.NoError(t, os.Remove(p+"~"))
	step(fsnotify.Remove, p+"~")
	changes = append(changes, tr.expired(now.Add(2*renameWindow))...)

	assert.Equal(t, []Change{
		{Op: ChangeWritten, Name: "a.html"},
		{Op: ChangeWritten, Name: "a.html"},
	}, changes)
}

func TestWatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "text/ch1.html", "<p>1</p>")

	d, err := OpenDir(root, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var changes []Change
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Watch(ctx, func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}))

	writeFile(t, root, "text/ch1.html", "<p>2</p>")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range changes {
			if c.Name == "text/ch1.html" && c.Op == ChangeWritten {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchEditorSave(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.html", "<p>1</p>")

	d, err := OpenDir(root, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var changes []Change
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Watch(ctx, func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}))

	vimSave(t, d.Root(), "a.html", "<p>2</p>")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range changes {
			if c.Name == "a.html" && c.Op == ChangeWritten {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(3 * renameWindow)

	mu.Lock()
	defer mu.Unlock()
	for _, c := range changes {
		assert.Equal(t, ChangeWritten, c.Op, "%+v", c)
		assert.Equal(t, "a.html", c.Name)
	}
}
