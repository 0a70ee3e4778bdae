package sim

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Storage is the block store behind a simulated target. Buffers passed
// to ReadBlocks and WriteBlocks are whole blocks.
type Storage interface {
	BlockSize() uint32
	BlockCount() uint64

	ReadBlocks(lba uint64, buf []byte) error
	WriteBlocks(lba uint64, buf []byte) error
	Sync() error

	ReadOnly() bool
	Removable() bool
	Present() bool

	// Eject removes the medium. Fixed media refuse.
	Eject() error
}

// blockSpan validates a transfer and returns its byte offset.
func blockSpan(s Storage, lba uint64, n int) (int64, error) {
	bs := uint64(s.BlockSize())
	if n%int(bs) != 0 {
		return 0, errors.Errorf("buffer of %d bytes is not a multiple of %d", n, bs)
	}
	if lba+uint64(n)/bs > s.BlockCount() {
		return 0, errors.Wrapf(ErrOutOfRange, "lba %d blocks %d", lba, uint64(n)/bs)
	}
	return int64(lba * bs), nil
}

// MemoryStorage keeps blocks in memory.
type MemoryStorage struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint32
	readOnly  bool
	removable bool
	present   bool
}

// NewMemoryStorage creates a zeroed store of blocks blocks.
func NewMemoryStorage(blocks uint64, blockSize uint32) *MemoryStorage {
	return &MemoryStorage{
		data:      make([]byte, blocks*uint64(blockSize)),
		blockSize: blockSize,
		present:   true,
	}
}

// BlockSize implements Storage.
func (m *MemoryStorage) BlockSize() uint32 {
	return m.blockSize
}

// BlockCount implements Storage.
func (m *MemoryStorage) BlockCount() uint64 {
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// ReadBlocks implements Storage.
func (m *MemoryStorage) ReadBlocks(lba uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.present {
		return ErrNoMedium
	}
	off, err := blockSpan(m, lba, len(buf))
	if err != nil {
		return err
	}
	copy(buf, m.data[off:])
	return nil
}

// WriteBlocks implements Storage.
func (m *MemoryStorage) WriteBlocks(lba uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case !m.present:
		return ErrNoMedium
	case m.readOnly:
		return ErrReadOnly
	}
	off, err := blockSpan(m, lba, len(buf))
	if err != nil {
		return err
	}
	copy(m.data[off:], buf)
	return nil
}

// Sync implements Storage.
func (m *MemoryStorage) Sync() error {
	return nil
}

// ReadOnly implements Storage.
func (m *MemoryStorage) ReadOnly() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readOnly
}

// SetReadOnly sets write protection.
func (m *MemoryStorage) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = readOnly
}

// Removable implements Storage.
func (m *MemoryStorage) Removable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.removable
}

// SetRemovable marks the medium removable.
func (m *MemoryStorage) SetRemovable(removable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removable = removable
}

// Present implements Storage.
func (m *MemoryStorage) Present() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.present
}

// SetPresent inserts or removes the medium.
func (m *MemoryStorage) SetPresent(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = present
}

// Eject implements Storage.
func (m *MemoryStorage) Eject() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.removable {
		return errors.New("medium is not removable")
	}
	m.present = false
	return nil
}

// FileStorage serves blocks from a disk image.
type FileStorage struct {
	mu        sync.RWMutex
	file      *os.File
	blockSize uint32
	blocks    uint64
	readOnly  bool
}

// OpenFileStorage opens the image at path. A trailing partial block is
// not addressable.
func OpenFileStorage(path string, blockSize uint32, readOnly bool) (*FileStorage, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "stat image")
	}

	return &FileStorage{
		file:      file,
		blockSize: blockSize,
		blocks:    uint64(stat.Size()) / uint64(blockSize),
		readOnly:  readOnly,
	}, nil
}

// BlockSize implements Storage.
func (f *FileStorage) BlockSize() uint32 {
	return f.blockSize
}

// BlockCount implements Storage.
func (f *FileStorage) BlockCount() uint64 {
	return f.blocks
}

// ReadBlocks implements Storage.
func (f *FileStorage) ReadBlocks(lba uint64, buf []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.file == nil {
		return ErrNoMedium
	}
	off, err := blockSpan(f, lba, len(buf))
	if err != nil {
		return err
	}
	_, err = f.file.ReadAt(buf, off)
	return errors.Wrap(err, "read image")
}

// WriteBlocks implements Storage.
func (f *FileStorage) WriteBlocks(lba uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.file == nil:
		return ErrNoMedium
	case f.readOnly:
		return ErrReadOnly
	}
	off, err := blockSpan(f, lba, len(buf))
	if err != nil {
		return err
	}
	_, err = f.file.WriteAt(buf, off)
	return errors.Wrap(err, "write image")
}

// Sync implements Storage.
func (f *FileStorage) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil || f.readOnly {
		return nil
	}
	return f.file.Sync()
}

// ReadOnly implements Storage.
func (f *FileStorage) ReadOnly() bool {
	return f.readOnly
}

// Removable implements Storage.
func (f *FileStorage) Removable() bool {
	return false
}

// Present implements Storage.
func (f *FileStorage) Present() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.file != nil
}

// Eject implements Storage.
func (f *FileStorage) Eject() error {
	return errors.New("image is not removable")
}

// Close closes the image.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
