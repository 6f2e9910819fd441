// Package editor mirrors the unsaved contents of the buffers open in the
// text editor so they can be served without a round trip to the editor.
package editor

import "sync"

// Buffers is a goroutine-safe set of open editor buffers keyed by logical
// name.
type Buffers struct {
	mu   sync.RWMutex
	open map[string][]byte
}

func NewBuffers() *Buffers {
	return &Buffers{open: make(map[string][]byte)}
}

// Update stores a copy of data as the current contents of name, opening it
// if needed.
func (b *Buffers) Update(name string, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	b.open[name] = cp
	b.mu.Unlock()
}

// Close forgets name; the resolver falls back to the container afterwards.
func (b *Buffers) Close(name string) {
	b.mu.Lock()
	delete(b.open, name)
	b.mu.Unlock()
}

// Rename moves the buffer of oldName to newName.
func (b *Buffers) Rename(oldName, newName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.open[oldName]
	if !ok {
		return
	}
	delete(b.open, oldName)
	b.open[newName] = data
}

// IsOpen reports whether name is open for editing.
func (b *Buffers) IsOpen(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.open[name]
	return ok
}

// Bytes returns a copy of the buffer contents of name, or nil when it is
// not open.
func (b *Buffers) Bytes(name string) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.open[name]
	if !ok {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp
}
