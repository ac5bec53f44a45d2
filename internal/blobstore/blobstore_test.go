package blobstore

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutAndRelease(t *testing.T) {
	src := []byte("hello")
	h, err := NewMemory().Put("a.txt", src)
	require.NoError(t, err)

	src[0] = 'j'
	got, err := h.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got), "payload must be copied on Put")
	assert.Equal(t, int64(5), h.Size())
	assert.Empty(t, h.Path())

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())
	assert.True(t, h.Released())

	_, err = h.Bytes()
	assert.ErrorIs(t, err, ErrReleased)
	_, err = h.Open()
	assert.ErrorIs(t, err, ErrReleased)
}

func TestDirPutOpenRelease(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	h, err := d.Put("report.pdf", []byte("%PDF-1.7"))
	require.NoError(t, err)
	require.FileExists(t, h.Path())
	assert.Equal(t, ".pdf", h.Path()[len(h.Path())-4:])

	r, err := h.Open()
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "%PDF-1.7", string(body))

	require.NoError(t, h.Release())
	_, err = os.Stat(h.Path())
	assert.True(t, os.IsNotExist(err))
}
