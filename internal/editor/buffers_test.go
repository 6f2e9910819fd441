package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffers(t *testing.T) {
	b := NewBuffers()
	assert.False(t, b.IsOpen("a.html"))
	assert.Nil(t, b.Bytes("a.html"))

	src := []byte("<p>one</p>")
	b.Update("a.html", src)
	src[0] = 'X'
	assert.True(t, b.IsOpen("a.html"))
	assert.Equal(t, []byte("<p>one</p>"), b.Bytes("a.html"))

	got := b.Bytes("a.html")
	got[0] = 'Y'
	assert.Equal(t, []byte("<p>one</p>"), b.Bytes("a.html"))

	b.Update("a.html", nil)
	assert.True(t, b.IsOpen("a.html"))
	assert.Empty(t, b.Bytes("a.html"))

	b.Close("a.html")
	assert.False(t, b.IsOpen("a.html"))
}

func TestBuffersRename(t *testing.T) {
	b := NewBuffers()
	b.Update("old.html", []byte("x"))

	b.Rename("old.html", "new.html")
	assert.False(t, b.IsOpen("old.html"))
	assert.Equal(t, []byte("x"), b.Bytes("new.html"))

	b.Rename("missing.html", "other.html")
	assert.False(t, b.IsOpen("other.html"))
}
