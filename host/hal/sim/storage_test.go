package sim

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	m := NewMemoryStorage(8, 512)
	require.Equal(t, uint64(8), m.BlockCount())
	require.Equal(t, uint32(512), m.BlockSize())

	block := bytes.Repeat([]byte{0xA5}, 1024)
	require.NoError(t, m.WriteBlocks(6, block))

	got := make([]byte, 1024)
	require.NoError(t, m.ReadBlocks(6, got))
	require.Equal(t, block, got)

	require.ErrorIs(t, m.ReadBlocks(7, got), ErrOutOfRange)
	require.Error(t, m.ReadBlocks(0, got[:100]))

	m.SetReadOnly(true)
	require.ErrorIs(t, m.WriteBlocks(0, block), ErrReadOnly)

	require.Error(t, m.Eject())
	m.SetRemovable(true)
	require.NoError(t, m.Eject())
	require.False(t, m.Present())
	require.ErrorIs(t, m.ReadBlocks(0, got), ErrNoMedium)
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4*512+100), 0o600))

	f, err := OpenFileStorage(path, 512, false)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	require.Equal(t, uint64(4), f.BlockCount())

	block := bytes.Repeat([]byte{0x5A}, 512)
	require.NoError(t, f.WriteBlocks(3, block))
	require.NoError(t, f.Sync())

	got := make([]byte, 512)
	require.NoError(t, f.ReadBlocks(3, got))
	require.Equal(t, block, got)
	require.ErrorIs(t, f.ReadBlocks(4, got), ErrOutOfRange)

	require.NoError(t, f.Close())
	require.False(t, f.Present())
	require.ErrorIs(t, f.ReadBlocks(0, got), ErrNoMedium)

	ro, err := OpenFileStorage(path, 512, true)
	require.NoError(t, err)
	defer ro.Close()
	require.ErrorIs(t, ro.WriteBlocks(0, block), ErrReadOnly)
	require.NoError(t, ro.ReadBlocks(3, got))
	require.Equal(t, block, got)

	_, err = OpenFileStorage(filepath.Join(t.TempDir(), "missing.img"), 512, true)
	require.Error(t, err)
}
